package attendance

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rinInwza007/Webrecog/internal/capture"
	"github.com/rinInwza007/Webrecog/internal/metrics"
	"github.com/rinInwza007/Webrecog/internal/phase"
	"github.com/rinInwza007/Webrecog/internal/recog"
	"github.com/rinInwza007/Webrecog/internal/session"
	"github.com/rinInwza007/Webrecog/internal/store"
)

// ErrNoActiveSession is returned when an operation targets a session that
// does not exist or is no longer active.
var ErrNoActiveSession = errors.New("active session not found")

// Store is the durable record access the service needs.
type Store interface {
	InsertSession(ctx context.Context, s store.Session) (store.Session, error)
	GetSession(ctx context.Context, id string) (store.Session, error)
	ActiveSessions(ctx context.Context) ([]store.Session, error)
	EndSession(ctx context.Context, id string) error
	ListAttendance(ctx context.Context, sessionID string) ([]store.AttendanceRecord, error)
	InsertCaptureLog(ctx context.Context, l store.CaptureLog) (string, error)
	ListCaptureLogs(ctx context.Context, sessionID string) ([]store.CaptureLog, error)
	RecentCaptureLogs(ctx context.Context, sessionID string, since time.Time) ([]store.CaptureLog, error)
	SaveEmbedding(ctx context.Context, studentID, studentEmail string, emb []float64, quality float64, imagesUsed int) error
}

// Roster lists enrolled students for a class.
type Roster interface {
	EnrolledStudents(ctx context.Context, classID string) ([]string, error)
}

// Recognizer is the face capability used for quick response-time
// detection and for enrollment.
type Recognizer interface {
	Detect(ctx context.Context, image []byte, accuracy phase.Accuracy) ([]recog.Face, error)
	Encode(ctx context.Context, image []byte, boxes []recog.Box, jitters int) ([]recog.Embedding, error)
}

// Defaults are applied when a session request leaves a knob unset.
type Defaults struct {
	MotionThreshold     float64
	CooldownSeconds     int
	MaxSnapshotsPerHour int
}

// Service glues the admission controller's in-memory state to the durable
// session records, feeds the capture queue, and synthesizes statistics.
type Service struct {
	store      Store
	roster     Roster
	manager    *session.Manager
	queue      *capture.Queue
	recognizer Recognizer
	cache      *recog.EmbeddingCache
	defaults   Defaults
	log        *zap.Logger
	now        func() time.Time
}

// NewService wires a service.
func NewService(st Store, roster Roster, mgr *session.Manager, q *capture.Queue, rec Recognizer, cache *recog.EmbeddingCache, defaults Defaults, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:      st,
		roster:     roster,
		manager:    mgr,
		queue:      q,
		recognizer: rec,
		cache:      cache,
		defaults:   defaults,
		log:        log,
		now:        time.Now,
	}
}

// StartRequest describes a new attendance session.
type StartRequest struct {
	ClassID            string
	TeacherEmail       string
	DurationHours      int
	MotionThreshold    float64 // 0 means use the adaptive default
	CooldownSeconds    int
	OnTimeLimitMinutes int
	InitialImage       []byte
}

// StartSession creates the durable session record, registers accounting
// state, and, when an initial image is supplied, enqueues the opening
// snapshot at top urgency.
func (s *Service) StartSession(ctx context.Context, req StartRequest) (store.Session, error) {
	if req.ClassID == "" || req.TeacherEmail == "" {
		return store.Session{}, errors.New("class id and teacher email required")
	}
	if req.DurationHours <= 0 {
		req.DurationHours = 2
	}
	if req.CooldownSeconds <= 0 {
		req.CooldownSeconds = s.defaults.CooldownSeconds
	}
	if req.OnTimeLimitMinutes <= 0 {
		req.OnTimeLimitMinutes = 30
	}
	if req.MotionThreshold <= 0 {
		req.MotionThreshold = phase.MotionThreshold(phase.Opening, s.defaults.MotionThreshold)
	}

	now := s.now()
	sess, err := s.store.InsertSession(ctx, store.Session{
		ClassID:             req.ClassID,
		TeacherEmail:        req.TeacherEmail,
		StartTime:           now,
		EndTime:             now.Add(time.Duration(req.DurationHours) * time.Hour),
		OnTimeLimitMinutes:  req.OnTimeLimitMinutes,
		Status:              "active",
		MotionThreshold:     req.MotionThreshold,
		CooldownSeconds:     req.CooldownSeconds,
		MaxSnapshotsPerHour: s.defaults.MaxSnapshotsPerHour,
	})
	if err != nil {
		return store.Session{}, err
	}

	if err := s.manager.CreateSession(sess.ID, session.Config{
		ClassID:             sess.ClassID,
		MotionThreshold:     sess.MotionThreshold,
		CooldownSeconds:     sess.CooldownSeconds,
		MaxSnapshotsPerHour: sess.MaxSnapshotsPerHour,
	}); err != nil {
		return store.Session{}, err
	}

	if len(req.InitialImage) > 0 {
		cfg := phase.ConfigFor(phase.Opening)
		logID, lerr := s.store.InsertCaptureLog(ctx, store.CaptureLog{
			SessionID:        sess.ID,
			CaptureTime:      now,
			CaptureType:      string(capture.KindSessionStart),
			TriggerType:      string(capture.TriggerManual),
			MotionStrength:   1.0,
			ProcessingPhase:  string(phase.Opening),
			ProcessingStatus: "queued",
			QueuePriority:    floatPtr(1),
		})
		if lerr != nil {
			s.log.Error("capture log insert failed", zap.String("session_id", sess.ID), zap.Error(lerr))
		}

		s.queue.Put(capture.Job{
			SessionID:      sess.ID,
			ClassID:        sess.ClassID,
			CaptureLogID:   logID,
			Image:          req.InitialImage,
			CaptureTime:    now,
			SessionStart:   sess.StartTime,
			OnTimeCutoff:   time.Duration(sess.OnTimeLimitMinutes) * time.Minute,
			Kind:           capture.KindSessionStart,
			Trigger:        capture.TriggerManual,
			MotionStrength: 1.0,
			Priority:       1,
			Phase:          phase.Opening,
			Config:         cfg,
		})
	}

	s.log.Info("attendance session started",
		zap.String("session_id", sess.ID),
		zap.String("class_id", sess.ClassID),
		zap.Float64("motion_threshold", sess.MotionThreshold),
	)
	return sess, nil
}

// SnapshotRequest is one motion-triggered capture attempt.
type SnapshotRequest struct {
	SessionID      string
	Image          []byte
	MotionStrength float64
	ElapsedMinutes int
	DeviceID       string
}

// SnapshotResponse reports the admission outcome.
type SnapshotResponse struct {
	Queued        bool             `json:"queued"`
	Decision      session.Decision `json:"decision"`
	Phase         phase.Phase      `json:"phase,omitempty"`
	Priority      float64          `json:"priority,omitempty"`
	FacesDetected int              `json:"faces_detected"`
	QueueSize     int              `json:"queue_size"`
	Config        *phase.Config    `json:"config,omitempty"`
}

// Snapshot records the motion event, runs admission control, and, when
// admitted, enqueues the capture with a phase- and strength-derived
// priority. Blocked snapshots still count toward motion statistics.
func (s *Service) Snapshot(ctx context.Context, req SnapshotRequest) (SnapshotResponse, error) {
	sess, err := s.activeSession(ctx, req.SessionID)
	if err != nil {
		return SnapshotResponse{}, err
	}

	s.manager.RecordMotionEvent(req.SessionID, req.MotionStrength, false)

	dec := s.manager.CanTakeSnapshot(req.SessionID)
	if !dec.Allowed {
		metrics.AdmissionDecisions.WithLabelValues(dec.Reason).Inc()
		s.log.Info("snapshot blocked",
			zap.String("session_id", req.SessionID),
			zap.String("reason", dec.Reason),
		)
		if _, lerr := s.store.InsertCaptureLog(ctx, store.CaptureLog{
			SessionID:        req.SessionID,
			CaptureTime:      s.now(),
			CaptureType:      "motion_detected",
			TriggerType:      string(capture.TriggerMotion),
			MotionStrength:   req.MotionStrength,
			ProcessingStatus: "blocked",
			BlockReason:      strPtr(dec.Reason),
			DeviceID:         strPtrOrNil(req.DeviceID),
		}); lerr != nil {
			s.log.Error("capture log insert failed", zap.String("session_id", req.SessionID), zap.Error(lerr))
		}
		return SnapshotResponse{Queued: false, Decision: dec}, nil
	}
	metrics.AdmissionDecisions.WithLabelValues("allowed").Inc()

	ph := phase.ForElapsed(req.ElapsedMinutes)
	cfg := phase.ConfigFor(ph)
	pri := float64(phase.Priority(req.MotionStrength, ph))

	facesDetected := s.quickDetect(ctx, req.Image)

	s.manager.RecordMotionEvent(req.SessionID, req.MotionStrength, true)

	now := s.now()
	logID, lerr := s.store.InsertCaptureLog(ctx, store.CaptureLog{
		SessionID:        req.SessionID,
		CaptureTime:      now,
		CaptureType:      string(capture.KindMotion),
		TriggerType:      string(capture.TriggerMotion),
		MotionStrength:   req.MotionStrength,
		ProcessingPhase:  string(ph),
		ProcessingStatus: "queued",
		QueuePriority:    floatPtr(pri),
		DeviceID:         strPtrOrNil(req.DeviceID),
	})
	if lerr != nil {
		s.log.Error("capture log insert failed", zap.String("session_id", req.SessionID), zap.Error(lerr))
	}

	s.queue.Put(capture.Job{
		SessionID:      req.SessionID,
		ClassID:        sess.ClassID,
		CaptureLogID:   logID,
		Image:          req.Image,
		CaptureTime:    now,
		SessionStart:   sess.StartTime,
		OnTimeCutoff:   time.Duration(sess.OnTimeLimitMinutes) * time.Minute,
		ElapsedMinutes: req.ElapsedMinutes,
		Kind:           capture.KindMotion,
		Trigger:        capture.TriggerMotion,
		MotionStrength: req.MotionStrength,
		Priority:       pri,
		Phase:          ph,
		Config:         cfg,
		DeviceID:       req.DeviceID,
	})

	s.log.Info("snapshot queued",
		zap.String("session_id", req.SessionID),
		zap.Float64("strength", req.MotionStrength),
		zap.String("phase", string(ph)),
		zap.Float64("priority", pri),
	)

	return SnapshotResponse{
		Queued:        true,
		Decision:      dec,
		Phase:         ph,
		Priority:      pri,
		FacesDetected: facesDetected,
		QueueSize:     s.queue.Size(),
		Config:        &cfg,
	}, nil
}

// ManualRequest is a teacher-initiated capture.
type ManualRequest struct {
	SessionID string
	Image     []byte
	Force     bool
	DeviceID  string
}

// ManualCapture queues a teacher capture. Without force it is subject to
// the same admission rules as motion snapshots; with force it bypasses
// them and re-asserts attendance for verified faces.
func (s *Service) ManualCapture(ctx context.Context, req ManualRequest) (SnapshotResponse, error) {
	sess, err := s.activeSession(ctx, req.SessionID)
	if err != nil {
		return SnapshotResponse{}, err
	}

	now := s.now()
	elapsed := int(now.Sub(sess.StartTime).Minutes())
	ph := phase.ForElapsed(elapsed)
	cfg := phase.ConfigFor(ph)

	if !req.Force {
		dec := s.manager.CanTakeSnapshot(req.SessionID)
		if !dec.Allowed {
			metrics.AdmissionDecisions.WithLabelValues(dec.Reason).Inc()
			s.log.Info("manual capture blocked",
				zap.String("session_id", req.SessionID),
				zap.String("reason", dec.Reason),
			)
			if _, lerr := s.store.InsertCaptureLog(ctx, store.CaptureLog{
				SessionID:        req.SessionID,
				CaptureTime:      now,
				CaptureType:      string(capture.KindManual),
				TriggerType:      string(capture.TriggerManual),
				MotionStrength:   1.0,
				ProcessingStatus: "blocked",
				BlockReason:      strPtr(dec.Reason),
			}); lerr != nil {
				s.log.Error("capture log insert failed", zap.String("session_id", req.SessionID), zap.Error(lerr))
			}
			return SnapshotResponse{Queued: false, Decision: dec}, nil
		}
	}
	metrics.AdmissionDecisions.WithLabelValues("allowed").Inc()

	// Manual captures are nominally one tier more urgent than the phase
	// base.
	pri := float64(cfg.BasePriority - 1)
	if pri < 1 {
		pri = 1
	}

	facesDetected := s.quickDetect(ctx, req.Image)

	s.manager.RecordMotionEvent(req.SessionID, 1.0, true)

	logID, lerr := s.store.InsertCaptureLog(ctx, store.CaptureLog{
		SessionID:        req.SessionID,
		CaptureTime:      now,
		CaptureType:      string(capture.KindManual),
		TriggerType:      string(capture.TriggerManual),
		MotionStrength:   1.0,
		ProcessingPhase:  string(ph),
		ProcessingStatus: "queued",
		QueuePriority:    floatPtr(pri),
		DeviceID:         strPtrOrNil(req.DeviceID),
	})
	if lerr != nil {
		s.log.Error("capture log insert failed", zap.String("session_id", req.SessionID), zap.Error(lerr))
	}

	s.queue.Put(capture.Job{
		SessionID:      req.SessionID,
		ClassID:        sess.ClassID,
		CaptureLogID:   logID,
		Image:          req.Image,
		CaptureTime:    now,
		SessionStart:   sess.StartTime,
		OnTimeCutoff:   time.Duration(sess.OnTimeLimitMinutes) * time.Minute,
		ElapsedMinutes: elapsed,
		Kind:           capture.KindManual,
		Trigger:        capture.TriggerManual,
		MotionStrength: 1.0,
		Priority:       pri,
		Phase:          ph,
		Config:         cfg,
		Force:          req.Force,
		DeviceID:       req.DeviceID,
	})

	return SnapshotResponse{
		Queued:        true,
		Decision:      session.Decision{Allowed: true},
		Phase:         ph,
		Priority:      pri,
		FacesDetected: facesDetected,
		QueueSize:     s.queue.Size(),
	}, nil
}

// EndSession flips the durable record to ended (a unique transition),
// tears down accounting state, and returns the final statistics. Jobs
// already queued keep processing; the capture timestamp, not the write
// time, decides their correctness.
func (s *Service) EndSession(ctx context.Context, id string) (FinalStats, error) {
	mgrStats, _ := s.manager.GetStats(id)

	if err := s.store.EndSession(ctx, id); err != nil {
		return FinalStats{}, err
	}
	s.manager.RemoveSession(id)

	s.log.Info("attendance session ended", zap.String("session_id", id))
	return s.finalStats(ctx, id, mgrStats)
}

// Statistics returns the full statistics for a session, live or ended.
func (s *Service) Statistics(ctx context.Context, id string) (FinalStats, error) {
	mgrStats, _ := s.manager.GetStats(id)
	return s.finalStats(ctx, id, mgrStats)
}

func (s *Service) activeSession(ctx context.Context, id string) (store.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, ErrNoActiveSession
	}
	if err != nil {
		return store.Session{}, err
	}
	if sess.Status != "active" {
		return store.Session{}, ErrNoActiveSession
	}
	return sess, nil
}

// quickDetect runs a cheap detection pass for the HTTP response while the
// real processing is queued. Best effort: failures count as zero faces.
func (s *Service) quickDetect(ctx context.Context, image []byte) int {
	if s.recognizer == nil || len(image) == 0 {
		return 0
	}
	faces, err := s.recognizer.Detect(ctx, image, phase.AccuracyStandard)
	if err != nil {
		return 0
	}
	return len(faces)
}

func floatPtr(f float64) *float64 { return &f }
func strPtr(s string) *string     { return &s }

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
