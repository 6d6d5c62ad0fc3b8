package capture

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rinInwza007/Webrecog/internal/metrics"
)

// Handler routes a dequeued job by kind.
type Handler interface {
	ProcessSessionStart(ctx context.Context, job Job) error
	ProcessMotion(ctx context.Context, job Job) error
	ProcessManual(ctx context.Context, job Job) error
}

// Dispatcher is the single logical consumer of the capture queue. It runs
// for the lifetime of the process; a job's failure is logged and counted
// but never terminates the loop.
type Dispatcher struct {
	queue   *Queue
	handler Handler
	log     *zap.Logger
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(queue *Queue, handler Handler, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{queue: queue, handler: handler, log: log}
}

// Run consumes jobs until the context is canceled. When the queue is
// empty it blocks on the queue's ready signal instead of polling.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("capture dispatcher started")

	for {
		if ctx.Err() != nil {
			d.log.Info("capture dispatcher stopped")
			return
		}

		job, ok := d.queue.Get()
		if !ok {
			select {
			case <-ctx.Done():
				d.log.Info("capture dispatcher stopped")
				return
			case <-d.queue.Ready():
			}
			continue
		}

		d.dispatch(ctx, job)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("capture handler panicked",
				zap.String("session_id", job.SessionID),
				zap.String("kind", string(job.Kind)),
				zap.Any("panic", r),
			)
			metrics.JobsProcessed.WithLabelValues(string(job.Kind), "failed").Inc()
		}
	}()

	start := time.Now()
	var err error

	switch job.Kind {
	case KindSessionStart:
		err = d.handler.ProcessSessionStart(ctx, job)
	case KindMotion:
		err = d.handler.ProcessMotion(ctx, job)
	case KindManual:
		err = d.handler.ProcessManual(ctx, job)
	default:
		d.log.Warn("unknown capture kind", zap.String("kind", string(job.Kind)))
		return
	}

	status := "completed"
	if err != nil {
		status = "failed"
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Kind), status).Inc()
	metrics.ProcessingSeconds.Observe(time.Since(start).Seconds())
}
