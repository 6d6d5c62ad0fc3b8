package capture

import (
	"time"

	"github.com/rinInwza007/Webrecog/internal/phase"
)

// Kind identifies the processing routine a job is dispatched to.
type Kind string

const (
	KindSessionStart Kind = "session_start"
	KindMotion       Kind = "motion_triggered"
	KindManual       Kind = "manual_teacher"
)

// Trigger records what caused the capture.
type Trigger string

const (
	TriggerMotion Trigger = "motion"
	TriggerManual Trigger = "manual"
)

// Job is one unit of work for the dispatcher. A job is immutable once
// enqueued: it is owned by the queue until dequeued, then exclusively by
// the processor, and is never requeued.
type Job struct {
	SessionID      string
	ClassID        string
	CaptureLogID   string
	Image          []byte
	CaptureTime    time.Time
	SessionStart   time.Time
	OnTimeCutoff   time.Duration
	ElapsedMinutes int

	Kind           Kind
	Trigger        Trigger
	MotionStrength float64
	Priority       float64
	Phase          phase.Phase
	Config         phase.Config

	// Force is meaningful for manual jobs only: it re-asserts attendance
	// even when a record already exists.
	Force bool

	DeviceID string
}
