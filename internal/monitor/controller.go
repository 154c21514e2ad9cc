package monitor

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/antoniostano/threadvoice/internal/logging"
	"github.com/antoniostano/threadvoice/internal/observability"
	"github.com/antoniostano/threadvoice/internal/reddit"
	"github.com/antoniostano/threadvoice/internal/session"
)

// Resolver turns a thread URL into a monitorable thread. reddit.Client implements it.
type Resolver interface {
	ResolveThread(ctx context.Context, rawURL string) (reddit.Thread, error)
}

// Controller starts and stops monitoring sessions for the HTTP layer.
type Controller struct {
	base     context.Context
	state    *session.State
	resolver Resolver
	monitor  *Monitor
	runner   *Runner
	logger   *zap.SugaredLogger
	metrics  *observability.Metrics
}

// NewController ties workers to base, so they end when the process shuts down.
func NewController(base context.Context, state *session.State, resolver Resolver, monitor *Monitor, runner *Runner, logger *zap.SugaredLogger, metrics *observability.Metrics) *Controller {
	logger = logging.OrNop(logger)
	return &Controller{
		base:     base,
		state:    state,
		resolver: resolver,
		monitor:  monitor,
		runner:   runner,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start resolves rawURL and launches the monitor worker. Errors are
// session.ErrAlreadyRunning or *reddit.ResolveError.
func (c *Controller) Start(ctx context.Context, rawURL string, override map[string]any) (session.Snapshot, error) {
	if c.state.Running() {
		return session.Snapshot{}, session.ErrAlreadyRunning
	}
	if c.resolver == nil {
		if _, err := reddit.ParseThreadURL(rawURL); err != nil {
			return session.Snapshot{}, err
		}
		return session.Snapshot{}, &reddit.ResolveError{Reason: reddit.ReasonUnauthenticated, Err: reddit.ErrNotConfigured}
	}

	thread, err := c.resolver.ResolveThread(ctx, strings.TrimSpace(rawURL))
	if err != nil {
		c.metrics.ObserveSessionEvent("start_rejected")
		return session.Snapshot{}, err
	}

	workerCtx, snap, err := c.state.Start(c.base, session.Target{
		ThreadID:  thread.ID,
		Subreddit: thread.Subreddit,
		Title:     thread.Title,
		Author:    thread.Author,
		URL:       thread.URL,
	}, override)
	if err != nil {
		return session.Snapshot{}, err
	}

	c.runner.Start(workerCtx, c.monitor.Run)
	c.metrics.ObserveSessionEvent("started")
	c.metrics.SetStreaming(true)
	c.logger.Infow("monitoring started",
		"session_id", snap.SessionID,
		"thread_id", thread.ID,
		"subreddit", thread.Subreddit,
	)
	return snap, nil
}

// Stop ends the session and waits briefly for the worker. Calling it while idle is fine.
func (c *Controller) Stop() {
	if c.state.Stop() {
		c.metrics.ObserveSessionEvent("stopped")
		c.logger.Infow("monitoring stopped")
	}
	c.metrics.SetStreaming(false)
	c.runner.Join()
}

func (c *Controller) State() *session.State { return c.state }
