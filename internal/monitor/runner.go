package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/threadvoice/internal/logging"
)

// Runner owns the background worker goroutine. A new Start replaces the tracked worker;
// a previous one that outlived its join timeout is abandoned and exits on its own once
// it observes its cancelled context.
type Runner struct {
	mu          sync.Mutex
	done        chan struct{}
	joinTimeout time.Duration
	logger      *zap.SugaredLogger
}

func NewRunner(joinTimeout time.Duration, logger *zap.SugaredLogger) *Runner {
	if joinTimeout <= 0 {
		joinTimeout = time.Second
	}
	return &Runner{joinTimeout: joinTimeout, logger: logging.OrNop(logger)}
}

// Start runs fn on a new goroutine with ctx.
func (r *Runner) Start(ctx context.Context, fn func(ctx context.Context)) {
	done := make(chan struct{})
	r.mu.Lock()
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Errorw("monitor worker panicked", "panic", rec)
			}
		}()
		fn(ctx)
	}()
}

// Join waits up to the join timeout for the current worker. It reports whether the
// worker finished in time.
func (r *Runner) Join() bool {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return true
	}

	t := time.NewTimer(r.joinTimeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		r.logger.Warnw("monitor worker did not stop in time, abandoning", "timeout", r.joinTimeout)
		return false
	}
}

// Busy reports whether the tracked worker is still running.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
