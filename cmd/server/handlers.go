package main

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rinInwza007/Webrecog/internal/attendance"
	"github.com/rinInwza007/Webrecog/internal/auth"
	"github.com/rinInwza007/Webrecog/internal/config"
	"github.com/rinInwza007/Webrecog/internal/httpmiddleware"
	"github.com/rinInwza007/Webrecog/internal/logging"
	"github.com/rinInwza007/Webrecog/internal/recog"
	"github.com/rinInwza007/Webrecog/internal/store"
)

func newRouter(cfg config.App, logger *zap.Logger, svc *attendance.Service, authn *auth.Authenticator,
	db *store.DB, redisClient *store.Redis, recognizer *recog.Client) *gin.Engine {

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.GinMiddleware(logger, "/healthz", "/metrics"))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin).Gin())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		ctx := c.Request.Context()
		redisOK := redisClient.Healthy(ctx)
		dbOK := db != nil && db.Client != nil && db.Client.PingContext(ctx) == nil
		faceOK := recognizer.Health(ctx) == nil

		status := http.StatusOK
		if !dbOK {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":       httpStatusWord(status),
			"db":           dbOK,
			"redis":        redisOK,
			"face_service": faceOK,
		})
	})

	r.POST("/api/auth/token", func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Email   string `json:"email"`
			Role    string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Role != auth.RoleTeacher && req.Role != auth.RoleDevice {
			c.JSON(http.StatusBadRequest, gin.H{"error": "role must be teacher or device"})
			return
		}

		token, exp, err := authn.Issue(req.Subject, req.Email, req.Role)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": token, "expires_at": exp.Unix()})
	})

	teacherOnly := r.Group("/api", auth.Require(authn, auth.RoleTeacher))
	anyRole := r.Group("/api", auth.Require(authn, auth.RoleTeacher, auth.RoleDevice))

	teacherOnly.POST("/session/start", func(c *gin.Context) {
		var req struct {
			ClassID            string  `json:"class_id" binding:"required"`
			DurationHours      int     `json:"duration_hours"`
			MotionThreshold    float64 `json:"motion_threshold"`
			CooldownSeconds    int     `json:"cooldown_seconds"`
			OnTimeLimitMinutes int     `json:"on_time_limit_minutes"`
			InitialImage       string  `json:"initial_image"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims, _ := auth.FromContext(c)
		image, err := decodeImage(req.InitialImage)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid initial image encoding"})
			return
		}

		sess, err := svc.StartSession(c.Request.Context(), attendance.StartRequest{
			ClassID:            req.ClassID,
			TeacherEmail:       claims.Email,
			DurationHours:      req.DurationHours,
			MotionThreshold:    req.MotionThreshold,
			CooldownSeconds:    req.CooldownSeconds,
			OnTimeLimitMinutes: req.OnTimeLimitMinutes,
			InitialImage:       image,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session": sess})
	})

	teacherOnly.PUT("/session/:id/end", func(c *gin.Context) {
		stats, err := svc.EndSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	teacherOnly.GET("/session/:id/statistics", func(c *gin.Context) {
		stats, err := svc.Statistics(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	teacherOnly.GET("/session/:id/live-stats", func(c *gin.Context) {
		stats, err := svc.LiveStats(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	anyRole.POST("/motion/snapshot", func(c *gin.Context) {
		if !cfg.MotionEnabled {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "motion detection disabled"})
			return
		}

		var req struct {
			SessionID      string  `json:"session_id" binding:"required"`
			Image          string  `json:"image" binding:"required"`
			MotionStrength float64 `json:"motion_strength"`
			ElapsedMinutes int     `json:"elapsed_minutes"`
			DeviceID       string  `json:"device_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		image, err := decodeImage(req.Image)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image encoding"})
			return
		}

		resp, err := svc.Snapshot(c.Request.Context(), attendance.SnapshotRequest{
			SessionID:      req.SessionID,
			Image:          image,
			MotionStrength: req.MotionStrength,
			ElapsedMinutes: req.ElapsedMinutes,
			DeviceID:       req.DeviceID,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		if !resp.Queued {
			c.JSON(http.StatusTooManyRequests, resp)
			return
		}
		c.JSON(http.StatusAccepted, resp)
	})

	teacherOnly.POST("/motion/manual-capture", func(c *gin.Context) {
		var req struct {
			SessionID string `json:"session_id" binding:"required"`
			Image     string `json:"image" binding:"required"`
			Force     bool   `json:"force"`
			DeviceID  string `json:"device_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		image, err := decodeImage(req.Image)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image encoding"})
			return
		}

		resp, err := svc.ManualCapture(c.Request.Context(), attendance.ManualRequest{
			SessionID: req.SessionID,
			Image:     image,
			Force:     req.Force,
			DeviceID:  req.DeviceID,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		if !resp.Queued {
			c.JSON(http.StatusTooManyRequests, resp)
			return
		}
		c.JSON(http.StatusAccepted, resp)
	})

	teacherOnly.POST("/face/enroll", func(c *gin.Context) {
		var req struct {
			StudentID    string   `json:"student_id" binding:"required"`
			StudentEmail string   `json:"student_email" binding:"required"`
			Images       []string `json:"images" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		images := make([][]byte, 0, len(req.Images))
		for _, s := range req.Images {
			img, err := decodeImage(s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image encoding"})
				return
			}
			images = append(images, img)
		}

		result, err := svc.EnrollFace(c.Request.Context(), attendance.EnrollRequest{
			StudentID:    req.StudentID,
			StudentEmail: req.StudentEmail,
			Images:       images,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	})

	teacherOnly.DELETE("/cache/clear", func(c *gin.Context) {
		flushed, pruned, err := svc.ClearCaches(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"embeddings_flushed": flushed, "sessions_pruned": pruned})
	})

	teacherOnly.GET("/system/status", func(c *gin.Context) {
		status, err := svc.SystemStatus(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	return r
}

// respondError maps service and store errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrNoActiveSession), errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrActiveSessionExists), errors.Is(err, store.ErrSessionEnded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// decodeImage accepts plain base64 or a data URL. Empty input is allowed
// and returns nil.
func decodeImage(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if idx := strings.Index(s, "base64,"); idx >= 0 {
		s = s[idx+len("base64,"):]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

func httpStatusWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
