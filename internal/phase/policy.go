package phase

// Phase is a coarse time band of session progress. Policies key off the
// phase rather than raw elapsed time so sensitivity and processing effort
// step down in predictable stages as a session ages.
type Phase string

const (
	Opening   Phase = "0-10"
	Active    Phase = "10-30"
	Settled   Phase = "30-60"
	Winding   Phase = "60-90"
	Closing   Phase = "90+"
	configEnd Phase = "60+" // Winding and Closing share one config bucket
)

// Accuracy selects the detection model tier used by the face service.
type Accuracy string

const (
	AccuracyHigh     Accuracy = "high"
	AccuracyMedium   Accuracy = "medium"
	AccuracyStandard Accuracy = "standard"
)

// Config is the processing configuration attached to a capture job.
type Config struct {
	FaceThreshold     float64
	ModelAccuracy     Accuracy
	BasePriority      int
	MaxProcessingTime int // seconds, advisory only
	QualityCheck      bool
	MotionBoost       bool
}

// Adaptive motion thresholds per phase: most sensitive right after start
// (catch everyone entering), least sensitive at the end of the session.
var adaptiveThresholds = map[Phase]float64{
	Opening: 0.05,
	Active:  0.08,
	Settled: 0.12,
	Winding: 0.15,
	Closing: 0.20,
}

var processingConfigs = map[Phase]Config{
	Opening: {
		FaceThreshold:     0.75,
		ModelAccuracy:     AccuracyHigh,
		BasePriority:      1,
		MaxProcessingTime: 3,
		QualityCheck:      true,
		MotionBoost:       true,
	},
	Active: {
		FaceThreshold:     0.7,
		ModelAccuracy:     AccuracyHigh,
		BasePriority:      2,
		MaxProcessingTime: 4,
		QualityCheck:      true,
		MotionBoost:       true,
	},
	Settled: {
		FaceThreshold:     0.65,
		ModelAccuracy:     AccuracyMedium,
		BasePriority:      3,
		MaxProcessingTime: 5,
		QualityCheck:      false,
		MotionBoost:       false,
	},
	configEnd: {
		FaceThreshold:     0.6,
		ModelAccuracy:     AccuracyStandard,
		BasePriority:      4,
		MaxProcessingTime: 6,
		QualityCheck:      false,
		MotionBoost:       false,
	},
}

// ForElapsed maps elapsed session minutes to a phase. Boundaries are
// inclusive on the upper end: minute 10 is still Opening, minute 11 is
// Active.
func ForElapsed(elapsedMinutes int) Phase {
	switch {
	case elapsedMinutes <= 10:
		return Opening
	case elapsedMinutes <= 30:
		return Active
	case elapsedMinutes <= 60:
		return Settled
	case elapsedMinutes <= 90:
		return Winding
	default:
		return Closing
	}
}

// MotionThreshold returns the adaptive motion threshold for a phase. When a
// session carries its own base threshold the two are blended by arithmetic
// mean, so an operator-chosen sensitivity shifts the adaptive curve rather
// than replacing it.
func MotionThreshold(p Phase, sessionBase float64) float64 {
	adaptive, ok := adaptiveThresholds[p]
	if !ok {
		adaptive = 0.1
	}
	if sessionBase > 0 {
		return (adaptive + sessionBase) / 2
	}
	return adaptive
}

// ConfigFor returns the processing configuration for a phase. Winding and
// Closing collapse into one coarser bucket.
func ConfigFor(p Phase) Config {
	if p == Winding || p == Closing {
		return processingConfigs[configEnd]
	}
	if cfg, ok := processingConfigs[p]; ok {
		return cfg
	}
	return processingConfigs[Settled]
}

// Priority computes the urgency tier in [1,5] for a capture, starting from
// the phase's base priority and adjusting for motion strength. Lower is
// more urgent.
func Priority(motionStrength float64, p Phase) int {
	base := ConfigFor(p).BasePriority

	switch {
	case motionStrength > 0.5:
		return maxInt(1, base-2)
	case motionStrength > 0.3:
		return maxInt(1, base-1)
	case motionStrength > 0.15:
		return base
	default:
		return minInt(5, base+1)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
