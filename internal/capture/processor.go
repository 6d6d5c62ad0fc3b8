package capture

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rinInwza007/Webrecog/internal/phase"
	"github.com/rinInwza007/Webrecog/internal/recog"
	"github.com/rinInwza007/Webrecog/internal/store"
)

// Detection method names written to attendance records, by job kind.
const (
	methodSessionStart = "motion_session_start"
	methodMotion       = "motion_triggered"
	methodManual       = "manual_teacher_motion"
)

// Recognizer is the external face capability the processor consumes.
type Recognizer interface {
	Detect(ctx context.Context, image []byte, accuracy phase.Accuracy) ([]recog.Face, error)
	Encode(ctx context.Context, image []byte, boxes []recog.Box, jitters int) ([]recog.Embedding, error)
}

// EmbeddingSource resolves a student's enrolled embedding. Nil embedding
// with nil error means not enrolled.
type EmbeddingSource interface {
	EmbeddingFor(ctx context.Context, studentID string) (recog.Embedding, error)
}

// RosterSource lists the students enrolled in a class.
type RosterSource interface {
	EnrolledStudents(ctx context.Context, classID string) ([]string, error)
}

// RecordStore is the slice of the durable store the processor writes to.
type RecordStore interface {
	StudentEmail(ctx context.Context, studentID string) (string, error)
	InsertAttendance(ctx context.Context, rec store.AttendanceRecord, force bool) (bool, error)
	CompleteCaptureLog(ctx context.Context, id string, res store.CaptureResult) error
	FailCaptureLog(ctx context.Context, id, msg string) error
}

// Processor runs recognition for dequeued capture jobs and records
// attendance idempotently. All external I/O happens here, after the job
// has been exclusively dequeued; no locks are held across any of it.
type Processor struct {
	recognizer Recognizer
	embeddings EmbeddingSource
	roster     RosterSource
	store      RecordStore
	log        *zap.Logger
}

// NewProcessor wires a processor.
func NewProcessor(recognizer Recognizer, embeddings EmbeddingSource, roster RosterSource, st RecordStore, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		recognizer: recognizer,
		embeddings: embeddings,
		roster:     roster,
		store:      st,
		log:        log,
	}
}

// ProcessSessionStart handles the session's opening snapshot. Every
// verified face is recorded as present regardless of the cutoff.
func (p *Processor) ProcessSessionStart(ctx context.Context, job Job) error {
	return p.process(ctx, job)
}

// ProcessMotion handles a motion-triggered capture.
func (p *Processor) ProcessMotion(ctx context.Context, job Job) error {
	return p.process(ctx, job)
}

// ProcessManual handles a teacher-initiated capture. Manual captures get
// high accuracy and the quality check regardless of phase.
func (p *Processor) ProcessManual(ctx context.Context, job Job) error {
	job.Config.ModelAccuracy = phase.AccuracyHigh
	job.Config.QualityCheck = true
	return p.process(ctx, job)
}

// process runs one job end to end and writes the capture-log outcome. The
// returned error is for observability only; it never propagates past the
// dispatcher.
func (p *Processor) process(ctx context.Context, job Job) error {
	start := time.Now()

	res, err := p.run(ctx, job)
	if err != nil {
		p.log.Error("capture processing failed",
			zap.String("session_id", job.SessionID),
			zap.String("kind", string(job.Kind)),
			zap.Error(err),
		)
		if job.CaptureLogID != "" {
			if ferr := p.store.FailCaptureLog(ctx, job.CaptureLogID, err.Error()); ferr != nil {
				p.log.Error("capture log update failed", zap.String("capture_id", job.CaptureLogID), zap.Error(ferr))
			}
		}
		return err
	}

	res.Elapsed = time.Since(start)
	if job.CaptureLogID != "" {
		if cerr := p.store.CompleteCaptureLog(ctx, job.CaptureLogID, res); cerr != nil {
			p.log.Error("capture log update failed", zap.String("capture_id", job.CaptureLogID), zap.Error(cerr))
		}
	}

	p.log.Info("capture processed",
		zap.String("session_id", job.SessionID),
		zap.String("kind", string(job.Kind)),
		zap.Int("faces_detected", res.FacesDetected),
		zap.Int("faces_recognized", res.FacesRecognized),
		zap.Int("new_records", res.NewRecords),
		zap.Duration("elapsed", res.Elapsed),
	)
	return nil
}

func (p *Processor) run(ctx context.Context, job Job) (store.CaptureResult, error) {
	var res store.CaptureResult

	if len(job.Image) == 0 {
		return res, fmt.Errorf("empty image payload")
	}

	roster, err := p.roster.EnrolledStudents(ctx, job.ClassID)
	if err != nil {
		return res, fmt.Errorf("enrolled students lookup: %w", err)
	}
	if len(roster) == 0 {
		return res, fmt.Errorf("no enrolled students for class %s", job.ClassID)
	}

	accuracy, jitters := modelFor(job.Config, job.MotionStrength)

	faces, err := p.recognizer.Detect(ctx, job.Image, accuracy)
	if err != nil {
		return res, fmt.Errorf("face detection: %w", err)
	}
	if len(faces) == 0 {
		return res, nil
	}

	boxes := make([]recog.Box, len(faces))
	for i, f := range faces {
		boxes[i] = f.Box
	}
	embs, err := p.recognizer.Encode(ctx, job.Image, boxes, jitters)
	if err != nil {
		return res, fmt.Errorf("face encoding: %w", err)
	}
	res.FacesDetected = len(embs)

	threshold := adjustThreshold(job.Config.FaceThreshold, job.MotionStrength)

	for i, emb := range embs {
		studentID, score := p.bestMatch(ctx, roster, emb, threshold)
		if studentID == "" {
			continue
		}
		res.FacesRecognized++

		quality := 1.0
		if job.Config.QualityCheck && i < len(faces) {
			quality = recog.MotionQualityPenalty(faces[i].Quality, job.MotionStrength)
		}

		// A bad record never aborts the batch.
		inserted, rerr := p.record(ctx, job, studentID, score, quality)
		if rerr != nil {
			p.log.Error("attendance record failed",
				zap.String("session_id", job.SessionID),
				zap.String("student_id", studentID),
				zap.Error(rerr),
			)
			continue
		}
		if inserted {
			res.NewRecords++
		}
	}

	return res, nil
}

// bestMatch compares one embedding against every enrolled identity and
// returns the highest-scoring match above the threshold, or "" when no
// identity verifies.
func (p *Processor) bestMatch(ctx context.Context, roster []string, emb recog.Embedding, threshold float64) (string, float64) {
	var bestID string
	var bestScore float64

	for _, studentID := range roster {
		stored, err := p.embeddings.EmbeddingFor(ctx, studentID)
		if err != nil {
			p.log.Warn("embedding lookup failed", zap.String("student_id", studentID), zap.Error(err))
			continue
		}
		if stored == nil {
			continue
		}
		if sim := recog.Similarity(stored, emb); sim > threshold && sim > bestScore {
			bestScore = sim
			bestID = studentID
		}
	}
	return bestID, bestScore
}

func (p *Processor) record(ctx context.Context, job Job, studentID string, score, quality float64) (bool, error) {
	email, err := p.store.StudentEmail(ctx, studentID)
	if err != nil {
		return false, fmt.Errorf("student lookup: %w", err)
	}

	status := "present"
	method := methodMotion
	switch job.Kind {
	case KindSessionStart:
		// The session's own opening snapshot is always on time.
		method = methodSessionStart
	case KindManual:
		method = methodManual
		status = timingStatus(job)
	default:
		status = timingStatus(job)
	}

	return p.store.InsertAttendance(ctx, store.AttendanceRecord{
		SessionID:       job.SessionID,
		StudentID:       studentID,
		StudentEmail:    email,
		CheckInTime:     job.CaptureTime,
		Status:          status,
		FaceMatchScore:  score,
		DetectionMethod: method,
		ProcessingPhase: string(job.Phase),
		FaceQuality:     quality,
		MotionStrength:  job.MotionStrength,
		TriggerType:     string(job.Trigger),
	}, job.Kind == KindManual && job.Force)
}

// timingStatus compares the capture time, not the write time, to the
// session's on-time cutoff.
func timingStatus(job Job) string {
	cutoff := job.SessionStart.Add(job.OnTimeCutoff)
	if job.CaptureTime.After(cutoff) {
		return "late"
	}
	return "present"
}

// adjustThreshold relaxes the match threshold for strong motion (blur
// shifts embeddings) and tightens it for weak motion.
func adjustThreshold(threshold, motionStrength float64) float64 {
	if motionStrength > 0.4 {
		return threshold * 0.95
	}
	if motionStrength < 0.15 {
		return threshold * 1.05
	}
	return threshold
}

// modelFor picks the detection tier and jitter count. Strong motion with
// the boost flag forces the high-accuracy model.
func modelFor(cfg phase.Config, motionStrength float64) (phase.Accuracy, int) {
	if motionStrength > 0.3 && cfg.MotionBoost {
		return phase.AccuracyHigh, 2
	}
	if cfg.ModelAccuracy == phase.AccuracyHigh {
		return phase.AccuracyHigh, 2
	}
	return cfg.ModelAccuracy, 1
}
