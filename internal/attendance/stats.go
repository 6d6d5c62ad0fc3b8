package attendance

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rinInwza007/Webrecog/internal/phase"
	"github.com/rinInwza007/Webrecog/internal/recog"
	"github.com/rinInwza007/Webrecog/internal/session"
	"github.com/rinInwza007/Webrecog/internal/store"
)

// AttendanceBreakdown summarizes verified presence against the roster.
type AttendanceBreakdown struct {
	TotalStudents  int     `json:"total_students"`
	Present        int     `json:"present"`
	Late           int     `json:"late"`
	Absent         int     `json:"absent"`
	AttendanceRate float64 `json:"attendance_rate"`
}

// MotionBreakdown summarizes motion activity for a session.
type MotionBreakdown struct {
	MotionEvents    int            `json:"motion_events"`
	SnapshotsTaken  int            `json:"snapshots_taken"`
	Efficiency      float64        `json:"efficiency"`
	AverageStrength float64        `json:"average_strength"`
	MotionThreshold float64        `json:"motion_threshold"`
	CooldownSeconds int            `json:"cooldown_seconds"`
	HourlyEvents    map[string]int `json:"hourly_events,omitempty"`
}

// PhaseBreakdown aggregates capture outcomes for one processing phase.
type PhaseBreakdown struct {
	Captures        int     `json:"captures"`
	FacesDetected   int     `json:"faces_detected"`
	FacesRecognized int     `json:"faces_recognized"`
	RecognitionRate float64 `json:"recognition_rate"`
}

// FinalStats is the full statistics report for a session.
type FinalStats struct {
	Session    store.Session             `json:"session"`
	Attendance AttendanceBreakdown       `json:"attendance"`
	Motion     MotionBreakdown           `json:"motion"`
	ByType     map[string]int            `json:"captures_by_type"`
	ByTrigger  map[string]int            `json:"captures_by_trigger"`
	ByStatus   map[string]int            `json:"captures_by_status"`
	Phases     map[string]PhaseBreakdown `json:"phases"`
	Methods    map[string]int            `json:"detection_methods"`
	Records    []store.AttendanceRecord  `json:"records"`
}

func (s *Service) finalStats(ctx context.Context, id string, mgrStats session.Stats) (FinalStats, error) {
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return FinalStats{}, ErrNoActiveSession
	}
	if err != nil {
		return FinalStats{}, err
	}

	records, err := s.store.ListAttendance(ctx, id)
	if err != nil {
		return FinalStats{}, err
	}
	captures, err := s.store.ListCaptureLogs(ctx, id)
	if err != nil {
		return FinalStats{}, err
	}

	roster, err := s.roster.EnrolledStudents(ctx, sess.ClassID)
	if err != nil {
		s.log.Warn("roster lookup failed", zap.String("class_id", sess.ClassID), zap.Error(err))
	}

	out := FinalStats{
		Session:   sess,
		ByType:    map[string]int{},
		ByTrigger: map[string]int{},
		ByStatus:  map[string]int{},
		Phases:    map[string]PhaseBreakdown{},
		Methods:   map[string]int{},
		Records:   records,
	}

	for _, rec := range records {
		switch rec.Status {
		case "late":
			out.Attendance.Late++
		default:
			out.Attendance.Present++
		}
		out.Methods[rec.DetectionMethod]++
	}
	out.Attendance.TotalStudents = len(roster)
	if out.Attendance.TotalStudents > 0 {
		checkedIn := out.Attendance.Present + out.Attendance.Late
		out.Attendance.Absent = out.Attendance.TotalStudents - checkedIn
		if out.Attendance.Absent < 0 {
			out.Attendance.Absent = 0
		}
		out.Attendance.AttendanceRate = float64(checkedIn) / float64(out.Attendance.TotalStudents)
	}

	var strengthSum float64
	for _, c := range captures {
		out.ByType[c.CaptureType]++
		out.ByTrigger[c.TriggerType]++
		out.ByStatus[c.ProcessingStatus]++
		strengthSum += c.MotionStrength

		if c.ProcessingPhase != "" {
			pb := out.Phases[c.ProcessingPhase]
			pb.Captures++
			pb.FacesDetected += c.FacesDetected
			pb.FacesRecognized += c.FacesRecognized
			if pb.FacesDetected > 0 {
				pb.RecognitionRate = float64(pb.FacesRecognized) / float64(pb.FacesDetected)
			}
			out.Phases[c.ProcessingPhase] = pb
		}
	}

	// Prefer in-memory counters while the session is live; fall back to
	// the durable log once accounting state is gone.
	out.Motion = MotionBreakdown{
		MotionEvents:    mgrStats.MotionEvents,
		SnapshotsTaken:  mgrStats.SnapshotsTaken,
		MotionThreshold: sess.MotionThreshold,
		CooldownSeconds: sess.CooldownSeconds,
		HourlyEvents:    mgrStats.HourlyEvents,
	}
	if out.Motion.MotionEvents == 0 && len(captures) > 0 {
		out.Motion.MotionEvents = len(captures)
		out.Motion.SnapshotsTaken = out.ByStatus["completed"] + out.ByStatus["queued"]
	}
	if out.Motion.MotionEvents > 0 {
		out.Motion.Efficiency = float64(out.Motion.SnapshotsTaken) / float64(out.Motion.MotionEvents)
	}
	if len(captures) > 0 {
		out.Motion.AverageStrength = strengthSum / float64(len(captures))
	}

	return out, nil
}

// LiveStats is a cheap point-in-time view for session monitoring.
type LiveStats struct {
	SessionID            string                `json:"session_id"`
	MotionEvents         int                   `json:"motion_events"`
	SnapshotsTaken       int                   `json:"snapshots_taken"`
	Efficiency           float64               `json:"efficiency"`
	LastSnapshot         *time.Time            `json:"last_snapshot,omitempty"`
	HourlyEvents         map[string]int        `json:"hourly_events"`
	RecentHistory        []session.MotionEvent `json:"recent_history"`
	StrengthDistribution map[string]int        `json:"strength_distribution"`
	RecentCaptures       int                   `json:"recent_captures"`
	RecentCompleted      int                   `json:"recent_completed"`
	QueueSize            int                   `json:"queue_size"`
}

// LiveStats reports in-memory motion accounting plus the last hour of
// capture outcomes for an active session.
func (s *Service) LiveStats(ctx context.Context, id string) (LiveStats, error) {
	mgrStats, ok := s.manager.GetStats(id)
	if !ok {
		return LiveStats{}, ErrNoActiveSession
	}

	out := LiveStats{
		SessionID:            id,
		MotionEvents:         mgrStats.MotionEvents,
		SnapshotsTaken:       mgrStats.SnapshotsTaken,
		LastSnapshot:         mgrStats.LastSnapshot,
		HourlyEvents:         mgrStats.HourlyEvents,
		StrengthDistribution: map[string]int{"weak": 0, "moderate": 0, "strong": 0},
		QueueSize:            s.queue.Size(),
	}
	if out.MotionEvents > 0 {
		out.Efficiency = float64(out.SnapshotsTaken) / float64(out.MotionEvents)
	}

	history := mgrStats.MotionHistory
	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	out.RecentHistory = history

	for _, ev := range mgrStats.MotionHistory {
		switch {
		case ev.Strength > 0.5:
			out.StrengthDistribution["strong"]++
		case ev.Strength > 0.3:
			out.StrengthDistribution["moderate"]++
		default:
			out.StrengthDistribution["weak"]++
		}
	}

	recent, err := s.store.RecentCaptureLogs(ctx, id, s.now().Add(-time.Hour))
	if err != nil {
		s.log.Warn("recent capture lookup failed", zap.String("session_id", id), zap.Error(err))
		return out, nil
	}
	out.RecentCaptures = len(recent)
	for _, c := range recent {
		if c.ProcessingStatus == "completed" {
			out.RecentCompleted++
		}
	}
	return out, nil
}

// SystemStatus is the operational summary for the admin surface.
type SystemStatus struct {
	ActiveSessions   []store.Session `json:"active_sessions"`
	TrackedSessions  int             `json:"tracked_sessions"`
	QueueSize        int             `json:"queue_size"`
	CachedEmbeddings int             `json:"cached_embeddings"`
}

// SystemStatus reports active sessions, queue depth, and cache size.
func (s *Service) SystemStatus(ctx context.Context) (SystemStatus, error) {
	active, err := s.store.ActiveSessions(ctx)
	if err != nil {
		return SystemStatus{}, err
	}
	st := SystemStatus{
		ActiveSessions:  active,
		TrackedSessions: s.manager.Count(),
		QueueSize:       s.queue.Size(),
	}
	if s.cache != nil {
		st.CachedEmbeddings = s.cache.Size()
	}
	return st, nil
}

// ClearCaches flushes the embedding cache and prunes accounting state for
// sessions no longer active in the store. Returns flushed embedding count
// and pruned session count.
func (s *Service) ClearCaches(ctx context.Context) (int, int, error) {
	flushed := 0
	if s.cache != nil {
		flushed = s.cache.Flush()
	}

	active, err := s.store.ActiveSessions(ctx)
	if err != nil {
		return flushed, 0, err
	}
	activeIDs := make(map[string]bool, len(active))
	for _, sess := range active {
		activeIDs[sess.ID] = true
	}

	pruned := 0
	for _, id := range s.manager.ActiveIDs() {
		if !activeIDs[id] {
			s.manager.RemoveSession(id)
			pruned++
		}
	}

	s.log.Info("caches cleared", zap.Int("embeddings_flushed", flushed), zap.Int("sessions_pruned", pruned))
	return flushed, pruned, nil
}

// EnrollRequest registers a student's face from one to five images.
type EnrollRequest struct {
	StudentID    string
	StudentEmail string
	Images       [][]byte
}

// EnrollResult reports what the enrollment produced.
type EnrollResult struct {
	StudentID  string  `json:"student_id"`
	ImagesUsed int     `json:"images_used"`
	Quality    float64 `json:"face_quality"`
}

// EnrollFace detects one face per image, encodes each with high accuracy,
// and stores the quality-weighted average embedding. Images with no
// detectable face are skipped; at least one must survive.
func (s *Service) EnrollFace(ctx context.Context, req EnrollRequest) (EnrollResult, error) {
	if req.StudentID == "" || req.StudentEmail == "" {
		return EnrollResult{}, errors.New("student id and email required")
	}
	if len(req.Images) == 0 || len(req.Images) > 5 {
		return EnrollResult{}, errors.New("between 1 and 5 images required")
	}

	var embs []recog.Embedding
	var weights []float64

	for i, img := range req.Images {
		faces, err := s.recognizer.Detect(ctx, img, phase.AccuracyHigh)
		if err != nil {
			return EnrollResult{}, err
		}
		if len(faces) == 0 {
			s.log.Warn("no face in enrollment image",
				zap.String("student_id", req.StudentID),
				zap.Int("image", i),
			)
			continue
		}

		best := largestFace(faces)
		out, err := s.recognizer.Encode(ctx, img, []recog.Box{best.Box}, 3)
		if err != nil {
			return EnrollResult{}, err
		}
		if len(out) == 0 {
			continue
		}
		embs = append(embs, out[0])
		weights = append(weights, best.Quality)
	}

	if len(embs) == 0 {
		return EnrollResult{}, errors.New("no usable face found in any image")
	}

	avg := recog.WeightedAverage(embs, weights)

	var qualitySum float64
	for _, w := range weights {
		qualitySum += w
	}
	quality := qualitySum / float64(len(weights))

	if err := s.store.SaveEmbedding(ctx, req.StudentID, req.StudentEmail, avg, quality, len(embs)); err != nil {
		return EnrollResult{}, err
	}
	if s.cache != nil {
		s.cache.Invalidate(req.StudentID)
	}

	s.log.Info("face enrolled",
		zap.String("student_id", req.StudentID),
		zap.Int("images_used", len(embs)),
		zap.Float64("quality", quality),
	)
	return EnrollResult{StudentID: req.StudentID, ImagesUsed: len(embs), Quality: quality}, nil
}

// largestFace picks the biggest bounding box, the usual subject when an
// enrollment image contains bystanders.
func largestFace(faces []recog.Face) recog.Face {
	best := faces[0]
	bestArea := area(best.Box)
	for _, f := range faces[1:] {
		if a := area(f.Box); a > bestArea {
			best, bestArea = f, a
		}
	}
	return best
}

func area(b recog.Box) int {
	return (b.Bottom - b.Top) * (b.Right - b.Left)
}
