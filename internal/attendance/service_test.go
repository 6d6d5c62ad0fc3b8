package attendance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rinInwza007/Webrecog/internal/capture"
	"github.com/rinInwza007/Webrecog/internal/phase"
	"github.com/rinInwza007/Webrecog/internal/recog"
	"github.com/rinInwza007/Webrecog/internal/session"
	"github.com/rinInwza007/Webrecog/internal/store"
)

type savedEmbedding struct {
	studentID  string
	embedding  []float64
	quality    float64
	imagesUsed int
}

type fakeStore struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]store.Session
	records  map[string][]store.AttendanceRecord
	captures []store.CaptureLog
	saved    []savedEmbedding
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[string]store.Session{},
		records:  map[string][]store.AttendanceRecord{},
	}
}

func (f *fakeStore) InsertSession(_ context.Context, s store.Session) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.sessions {
		if existing.ClassID == s.ClassID && existing.Status == "active" {
			return store.Session{}, store.ErrActiveSessionExists
		}
	}
	f.seq++
	s.ID = fmt.Sprintf("sess-%d", f.seq)
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) ActiveSessions(context.Context) ([]store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Session
	for _, s := range f.sessions {
		if s.Status == "active" {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) EndSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if s.Status != "active" {
		return store.ErrSessionEnded
	}
	s.Status = "ended"
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) ListAttendance(_ context.Context, sessionID string) ([]store.AttendanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[sessionID], nil
}

func (f *fakeStore) InsertCaptureLog(_ context.Context, l store.CaptureLog) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	l.ID = fmt.Sprintf("cap-%d", f.seq)
	f.captures = append(f.captures, l)
	return l.ID, nil
}

func (f *fakeStore) ListCaptureLogs(_ context.Context, sessionID string) ([]store.CaptureLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.CaptureLog
	for _, c := range f.captures {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) RecentCaptureLogs(ctx context.Context, sessionID string, _ time.Time) ([]store.CaptureLog, error) {
	return f.ListCaptureLogs(ctx, sessionID)
}

func (f *fakeStore) SaveEmbedding(_ context.Context, studentID, _ string, emb []float64, quality float64, imagesUsed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, savedEmbedding{studentID, emb, quality, imagesUsed})
	return nil
}

func (f *fakeStore) lastCapture() store.CaptureLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures[len(f.captures)-1]
}

type fakeRoster struct{ ids []string }

func (f *fakeRoster) EnrolledStudents(context.Context, string) ([]string, error) {
	return f.ids, nil
}

type fakeRecognizer struct {
	faces []recog.Face
}

func (f *fakeRecognizer) Detect(context.Context, []byte, phase.Accuracy) ([]recog.Face, error) {
	return f.faces, nil
}

func (f *fakeRecognizer) Encode(_ context.Context, _ []byte, boxes []recog.Box, _ int) ([]recog.Embedding, error) {
	out := make([]recog.Embedding, len(boxes))
	for i := range out {
		out[i] = recog.Embedding{0.5, 0.5}
	}
	return out, nil
}

type fixture struct {
	svc   *Service
	st    *fakeStore
	queue *capture.Queue
	mgr   *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newFakeStore()
	q := capture.NewQueue()
	mgr := session.NewManager(nil)
	rec := &fakeRecognizer{faces: []recog.Face{{Box: recog.Box{Right: 80, Bottom: 80}, Quality: 0.9}}}
	cache := recog.NewEmbeddingCache(func(context.Context, string) (recog.Embedding, error) { return nil, nil })

	svc := NewService(st, &fakeRoster{ids: []string{"alice", "bob", "carol"}}, mgr, q, rec, cache, Defaults{
		MotionThreshold:     0.1,
		CooldownSeconds:     30,
		MaxSnapshotsPerHour: 120,
	}, nil)
	return &fixture{svc: svc, st: st, queue: q, mgr: mgr}
}

func (fx *fixture) startSession(t *testing.T, image []byte) store.Session {
	t.Helper()
	sess, err := fx.svc.StartSession(context.Background(), StartRequest{
		ClassID:      "class-1",
		TeacherEmail: "teacher@school.test",
		InitialImage: image,
	})
	require.NoError(t, err)
	return sess
}

func TestStartSessionAppliesDefaults(t *testing.T) {
	fx := newFixture(t)
	sess := fx.startSession(t, nil)

	assert.Equal(t, "active", sess.Status)
	assert.Equal(t, 30, sess.CooldownSeconds)
	assert.Equal(t, 120, sess.MaxSnapshotsPerHour)
	assert.Equal(t, 30, sess.OnTimeLimitMinutes)
	// Adaptive opening threshold 0.05 blended with the 0.1 default.
	assert.InDelta(t, 0.075, sess.MotionThreshold, 1e-9)
	assert.Equal(t, 2*time.Hour, sess.EndTime.Sub(sess.StartTime))

	// Accounting state registered, nothing queued without an image.
	assert.Equal(t, 1, fx.mgr.Count())
	assert.Equal(t, 0, fx.queue.Size())
}

func TestStartSessionWithInitialImageQueuesOpeningJob(t *testing.T) {
	fx := newFixture(t)
	sess := fx.startSession(t, []byte("frame"))

	job, ok := fx.queue.Get()
	require.True(t, ok)
	assert.Equal(t, capture.KindSessionStart, job.Kind)
	assert.Equal(t, sess.ID, job.SessionID)
	assert.Equal(t, 1.0, job.Priority)
	assert.Equal(t, 1.0, job.MotionStrength)
	assert.NotEmpty(t, job.CaptureLogID)

	logged := fx.st.lastCapture()
	assert.Equal(t, "queued", logged.ProcessingStatus)
	assert.Equal(t, string(capture.KindSessionStart), logged.CaptureType)
}

func TestStartSessionRejectsSecondActiveClass(t *testing.T) {
	fx := newFixture(t)
	fx.startSession(t, nil)

	_, err := fx.svc.StartSession(context.Background(), StartRequest{
		ClassID:      "class-1",
		TeacherEmail: "teacher@school.test",
	})
	assert.ErrorIs(t, err, store.ErrActiveSessionExists)
}

func TestSnapshotUnknownSession(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.Snapshot(context.Background(), SnapshotRequest{SessionID: "nope", Image: []byte("x")})
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestSnapshotAdmittedQueuesJob(t *testing.T) {
	fx := newFixture(t)
	sess := fx.startSession(t, nil)

	resp, err := fx.svc.Snapshot(context.Background(), SnapshotRequest{
		SessionID:      sess.ID,
		Image:          []byte("frame"),
		MotionStrength: 0.6,
		ElapsedMinutes: 5,
	})
	require.NoError(t, err)

	assert.True(t, resp.Queued)
	assert.Equal(t, phase.Opening, resp.Phase)
	// Strong motion in the opening phase floors at the top urgency.
	assert.Equal(t, 1.0, resp.Priority)
	assert.Equal(t, 1, resp.FacesDetected)

	job, ok := fx.queue.Get()
	require.True(t, ok)
	assert.Equal(t, capture.KindMotion, job.Kind)
	assert.Equal(t, 0.6, job.MotionStrength)
	assert.Equal(t, sess.ClassID, job.ClassID)

	stats, ok := fx.mgr.GetStats(sess.ID)
	require.True(t, ok)
	// One event at receipt plus one for the admitted snapshot.
	assert.Equal(t, 2, stats.MotionEvents)
	assert.Equal(t, 1, stats.SnapshotsTaken)
}

func TestSnapshotBlockedByCooldown(t *testing.T) {
	fx := newFixture(t)
	sess := fx.startSession(t, nil)

	first, err := fx.svc.Snapshot(context.Background(), SnapshotRequest{
		SessionID: sess.ID, Image: []byte("a"), MotionStrength: 0.6, ElapsedMinutes: 1,
	})
	require.NoError(t, err)
	require.True(t, first.Queued)

	second, err := fx.svc.Snapshot(context.Background(), SnapshotRequest{
		SessionID: sess.ID, Image: []byte("b"), MotionStrength: 0.6, ElapsedMinutes: 1,
	})
	require.NoError(t, err)

	assert.False(t, second.Queued)
	assert.Equal(t, session.ReasonCooldown, second.Decision.Reason)
	assert.Greater(t, second.Decision.RemainingSeconds, 0)

	logged := fx.st.lastCapture()
	assert.Equal(t, "blocked", logged.ProcessingStatus)
	require.NotNil(t, logged.BlockReason)
	assert.Equal(t, session.ReasonCooldown, *logged.BlockReason)

	// The blocked attempt still counts as a motion event.
	stats, _ := fx.mgr.GetStats(sess.ID)
	assert.Equal(t, 3, stats.MotionEvents)
	assert.Equal(t, 1, stats.SnapshotsTaken)
}

func TestSnapshotOnEndedSession(t *testing.T) {
	fx := newFixture(t)
	sess := fx.startSession(t, nil)
	_, err := fx.svc.EndSession(context.Background(), sess.ID)
	require.NoError(t, err)

	_, err = fx.svc.Snapshot(context.Background(), SnapshotRequest{SessionID: sess.ID, Image: []byte("x")})
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestManualCaptureSubjectToAdmission(t *testing.T) {
	fx := newFixture(t)
	sess := fx.startSession(t, nil)

	// Exhaust the cooldown with an admitted snapshot.
	_, err := fx.svc.Snapshot(context.Background(), SnapshotRequest{
		SessionID: sess.ID, Image: []byte("a"), MotionStrength: 0.6,
	})
	require.NoError(t, err)
	fx.queue.Get()

	blocked, err := fx.svc.ManualCapture(context.Background(), ManualRequest{
		SessionID: sess.ID, Image: []byte("b"),
	})
	require.NoError(t, err)
	assert.False(t, blocked.Queued)

	forced, err := fx.svc.ManualCapture(context.Background(), ManualRequest{
		SessionID: sess.ID, Image: []byte("b"), Force: true,
	})
	require.NoError(t, err)
	assert.True(t, forced.Queued)

	job, ok := fx.queue.Get()
	require.True(t, ok)
	assert.Equal(t, capture.KindManual, job.Kind)
	assert.True(t, job.Force)
	assert.Equal(t, 1.0, job.MotionStrength)
	// Opening base priority 1 stays floored at 1.
	assert.Equal(t, 1.0, job.Priority)
}

func TestEndSessionTearsDownAccounting(t *testing.T) {
	fx := newFixture(t)
	sess := fx.startSession(t, nil)
	fx.st.records[sess.ID] = []store.AttendanceRecord{
		{StudentID: "alice", Status: "present", DetectionMethod: "motion_triggered"},
		{StudentID: "bob", Status: "late", DetectionMethod: "manual_teacher_motion"},
	}

	stats, err := fx.svc.EndSession(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, fx.mgr.Count())
	assert.Equal(t, 3, stats.Attendance.TotalStudents)
	assert.Equal(t, 1, stats.Attendance.Present)
	assert.Equal(t, 1, stats.Attendance.Late)
	assert.Equal(t, 1, stats.Attendance.Absent)
	assert.InDelta(t, 2.0/3.0, stats.Attendance.AttendanceRate, 1e-9)
	assert.Equal(t, 1, stats.Methods["motion_triggered"])
	assert.Equal(t, 1, stats.Methods["manual_teacher_motion"])

	// Ending twice is rejected.
	_, err = fx.svc.EndSession(context.Background(), sess.ID)
	assert.ErrorIs(t, err, store.ErrSessionEnded)
}

func TestLiveStatsUnknownSession(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.LiveStats(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestLiveStatsReportsDistribution(t *testing.T) {
	fx := newFixture(t)
	sess := fx.startSession(t, nil)

	for _, strength := range []float64{0.1, 0.4, 0.7} {
		_, err := fx.svc.Snapshot(context.Background(), SnapshotRequest{
			SessionID: sess.ID, Image: []byte("x"), MotionStrength: strength,
		})
		require.NoError(t, err)
	}

	live, err := fx.svc.LiveStats(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, live.SessionID)
	assert.Greater(t, live.MotionEvents, 0)
	total := live.StrengthDistribution["weak"] + live.StrengthDistribution["moderate"] + live.StrengthDistribution["strong"]
	assert.Equal(t, live.MotionEvents, total)
}

func TestEnrollFaceStoresWeightedEmbedding(t *testing.T) {
	fx := newFixture(t)

	result, err := fx.svc.EnrollFace(context.Background(), EnrollRequest{
		StudentID:    "alice",
		StudentEmail: "alice@school.test",
		Images:       [][]byte{[]byte("a"), []byte("b")},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.ImagesUsed)
	assert.InDelta(t, 0.9, result.Quality, 1e-9)

	require.Len(t, fx.st.saved, 1)
	saved := fx.st.saved[0]
	assert.Equal(t, "alice", saved.studentID)
	assert.Equal(t, 2, saved.imagesUsed)
	assert.InDelta(t, 0.5, saved.embedding[0], 1e-9)
}

func TestEnrollFaceValidation(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.svc.EnrollFace(context.Background(), EnrollRequest{StudentID: "a", StudentEmail: "e"})
	assert.Error(t, err)

	_, err = fx.svc.EnrollFace(context.Background(), EnrollRequest{
		StudentID: "a", StudentEmail: "e",
		Images: make([][]byte, 6),
	})
	assert.Error(t, err)
}

func TestClearCachesPrunesStaleSessions(t *testing.T) {
	fx := newFixture(t)
	sess := fx.startSession(t, nil)

	// Simulate an end that bypassed the service.
	require.NoError(t, fx.st.EndSession(context.Background(), sess.ID))

	_, pruned, err := fx.svc.ClearCaches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
	assert.Equal(t, 0, fx.mgr.Count())
}

func TestSystemStatus(t *testing.T) {
	fx := newFixture(t)
	fx.startSession(t, nil)

	status, err := fx.svc.SystemStatus(context.Background())
	require.NoError(t, err)
	assert.Len(t, status.ActiveSessions, 1)
	assert.Equal(t, 1, status.TrackedSessions)
	assert.Equal(t, 0, status.QueueSize)
}
