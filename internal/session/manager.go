package session

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrDuplicateSession is returned when accounting state already exists for
// the session id.
var ErrDuplicateSession = errors.New("session already tracked")

const historyCap = 100

// Config holds the per-session admission parameters.
type Config struct {
	ClassID             string
	MotionThreshold     float64
	CooldownSeconds     int
	MaxSnapshotsPerHour int
}

// MotionEvent is one entry in the bounded motion history ring.
type MotionEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	Strength      float64   `json:"strength"`
	SnapshotTaken bool      `json:"snapshot_taken"`
}

// Stats is a point-in-time copy of a session's accounting state. It is
// always a copy, never a live reference.
type Stats struct {
	MotionEvents   int            `json:"motion_events"`
	SnapshotsTaken int            `json:"snapshots_taken"`
	LastSnapshot   *time.Time     `json:"last_snapshot,omitempty"`
	HourlyEvents   map[string]int `json:"hourly_events"`
	MotionHistory  []MotionEvent  `json:"motion_history"`
}

// Decision is the outcome of an admission check. Rejections are expected
// and carry a machine-readable reason; they are never errors.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
	HourlyCount      int    `json:"hourly_count,omitempty"`
	MaxPerHour       int    `json:"max_per_hour,omitempty"`
}

// Admission rejection reasons.
const (
	ReasonNotFound  = "session_not_found"
	ReasonCooldown  = "cooldown_active"
	ReasonRateLimit = "rate_limit_exceeded"
)

type state struct {
	config         Config
	createdAt      time.Time
	motionEvents   int
	snapshotsTaken int
	lastSnapshot   *time.Time
	hourlyEvents   map[string]int
	history        []MotionEvent
}

// Manager owns all in-memory session accounting state. It decides whether a
// motion event may produce a snapshot, using a cooldown between accepted
// snapshots and a per-hour cap. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*state
	log      *zap.Logger
	now      func() time.Time
}

// NewManager creates an empty manager.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*state),
		log:      log,
		now:      time.Now,
	}
}

// CreateSession registers fresh accounting state for a session id.
func (m *Manager) CreateSession(id string, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return ErrDuplicateSession
	}
	m.sessions[id] = &state{
		config:       cfg,
		createdAt:    m.now(),
		hourlyEvents: make(map[string]int),
	}
	m.log.Info("motion session created", zap.String("session_id", id))
	return nil
}

// RecordMotionEvent counts one motion tick and, when snapshotTaken is set,
// one accepted snapshot. Returns false when the session is not tracked;
// that is a normal race with session end, not an error.
func (m *Manager) RecordMotionEvent(id string, strength float64, snapshotTaken bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false
	}

	now := m.now()
	s.motionEvents++
	if snapshotTaken {
		s.snapshotsTaken++
		t := now
		s.lastSnapshot = &t
	}
	s.hourlyEvents[hourKey(now)]++

	s.history = append(s.history, MotionEvent{
		Timestamp:     now,
		Strength:      strength,
		SnapshotTaken: snapshotTaken,
	})
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	return true
}

// CanTakeSnapshot evaluates admission for a snapshot without mutating any
// counters. Checks, in order: session existence, cooldown since the last
// accepted snapshot, and the current hour's event cap.
func (m *Manager) CanTakeSnapshot(id string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Decision{Allowed: false, Reason: ReasonNotFound}
	}

	now := m.now()

	if s.lastSnapshot != nil {
		cooldown := time.Duration(s.config.CooldownSeconds) * time.Second
		elapsed := now.Sub(*s.lastSnapshot)
		if elapsed < cooldown {
			return Decision{
				Allowed:          false,
				Reason:           ReasonCooldown,
				RemainingSeconds: int((cooldown - elapsed).Seconds()),
			}
		}
	}

	count := s.hourlyEvents[hourKey(now)]
	if count >= s.config.MaxSnapshotsPerHour {
		return Decision{
			Allowed:     false,
			Reason:      ReasonRateLimit,
			HourlyCount: count,
			MaxPerHour:  s.config.MaxSnapshotsPerHour,
		}
	}

	return Decision{Allowed: true}
}

// GetStats returns a copy of the session's accounting state, or false when
// the session is not tracked.
func (m *Manager) GetStats(id string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Stats{}, false
	}

	stats := Stats{
		MotionEvents:   s.motionEvents,
		SnapshotsTaken: s.snapshotsTaken,
		HourlyEvents:   make(map[string]int, len(s.hourlyEvents)),
		MotionHistory:  make([]MotionEvent, len(s.history)),
	}
	if s.lastSnapshot != nil {
		t := *s.lastSnapshot
		stats.LastSnapshot = &t
	}
	for k, v := range s.hourlyEvents {
		stats.HourlyEvents[k] = v
	}
	copy(stats.MotionHistory, s.history)
	return stats, true
}

// Config returns the session's admission config, or false when untracked.
func (m *Manager) Config(id string) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Config{}, false
	}
	return s.config, true
}

// RemoveSession discards accounting state. Removing an absent id is a
// no-op.
func (m *Manager) RemoveSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		m.log.Info("motion session removed", zap.String("session_id", id))
	}
}

// ActiveIDs returns the ids of all tracked sessions.
func (m *Manager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func hourKey(t time.Time) string {
	return t.Format("15:00")
}
