package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rinInwza007/Webrecog/internal/attendance"
	"github.com/rinInwza007/Webrecog/internal/auth"
	"github.com/rinInwza007/Webrecog/internal/capture"
	"github.com/rinInwza007/Webrecog/internal/config"
	"github.com/rinInwza007/Webrecog/internal/logging"
	"github.com/rinInwza007/Webrecog/internal/metrics"
	"github.com/rinInwza007/Webrecog/internal/recog"
	"github.com/rinInwza007/Webrecog/internal/session"
	"github.com/rinInwza007/Webrecog/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.App, logger *zap.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Warn("database not reachable at startup", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	redisClient := store.NewRedis(cfg.RedisAddr)

	repo := store.NewRepository(db.Client)
	roster := store.NewRosterCache(redisClient, repo)

	recognizer := recog.New(cfg.FaceServiceURL, cfg.FaceSkip)
	embeddings := recog.NewEmbeddingCache(func(ctx context.Context, studentID string) (recog.Embedding, error) {
		return repo.ActiveEmbedding(ctx, studentID)
	})

	manager := session.NewManager(logger)
	queue := capture.NewQueue()
	metrics.RegisterQueueDepth(queue.Size)

	processor := capture.NewProcessor(recognizer, embeddings, roster, repo, logger)
	dispatcher := capture.NewDispatcher(queue, processor, logger)

	svc := attendance.NewService(repo, roster, manager, queue, recognizer, embeddings, attendance.Defaults{
		MotionThreshold:     cfg.DefaultMotionThreshold,
		CooldownSeconds:     cfg.CooldownSeconds,
		MaxSnapshotsPerHour: cfg.MaxSnapshotsPerHour,
	}, logger)

	// Re-register accounting state for sessions that were active before a
	// restart; their counters restart from zero but admission keeps working.
	if active, aerr := repo.ActiveSessions(context.Background()); aerr == nil {
		for _, s := range active {
			_ = manager.CreateSession(s.ID, session.Config{
				ClassID:             s.ClassID,
				MotionThreshold:     s.MotionThreshold,
				CooldownSeconds:     s.CooldownSeconds,
				MaxSnapshotsPerHour: s.MaxSnapshotsPerHour,
			})
		}
		if len(active) > 0 {
			logger.Info("restored active sessions", zap.Int("count", len(active)))
		}
	} else {
		logger.Warn("active session restore failed", zap.Error(aerr))
	}

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	go dispatcher.Run(dispatchCtx)

	authn := auth.New(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.AccessTTL)
	router := newRouter(cfg, logger, svc, authn, db, redisClient, recognizer)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", zap.Error(err))
	}

	// Stop the dispatcher only after the listener is drained so requests
	// admitted during shutdown still get their jobs picked up.
	stopDispatch()

	logger.Info("server exited")
	return nil
}
