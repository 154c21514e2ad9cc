package monitor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/antoniostano/threadvoice/internal/history"
	"github.com/antoniostano/threadvoice/internal/logging"
	"github.com/antoniostano/threadvoice/internal/observability"
	"github.com/antoniostano/threadvoice/internal/protocol"
	"github.com/antoniostano/threadvoice/internal/push"
	"github.com/antoniostano/threadvoice/internal/reddit"
	"github.com/antoniostano/threadvoice/internal/session"
	"github.com/antoniostano/threadvoice/internal/voice"
)

const (
	DefaultMinInterval = 2 * time.Second
	minBodyRunes       = 6
	historyTimeout     = 5 * time.Second
	debugBodyRunes     = 80
	debugSpeechRunes   = 50
)

// Drop reasons, used as comments_total result labels.
const (
	resultAccepted    = "accepted"
	resultOtherThread = "dropped_thread"
	resultRemoved     = "dropped_removed"
	resultRateLimited = "dropped_rate"
	resultDuplicate   = "dropped_duplicate"
	resultTooShort    = "dropped_short"
)

var removedBodies = map[string]struct{}{
	"":          {},
	"[deleted]": {},
	"[removed]": {},
}

// Feed yields new comments for a subreddit. reddit.Client implements it.
type Feed interface {
	Stream(ctx context.Context, subreddit string) (<-chan reddit.Comment, <-chan error)
}

// Narrator turns comment text into audio, returning nil for no audio.
type Narrator interface {
	Narrate(ctx context.Context, text string, settings session.VoiceSettings) *voice.Audio
}

type Config struct {
	MinInterval time.Duration
	Debug       bool
	// Now is injectable for tests.
	Now func() time.Time
}

// Monitor runs the narration loop for the active session.
type Monitor struct {
	state    *session.State
	feed     Feed
	narrator Narrator
	pub      push.Publisher
	history  history.Store
	logger   *zap.SugaredLogger
	metrics  *observability.Metrics
	cfg      Config
}

func New(state *session.State, feed Feed, narrator Narrator, pub push.Publisher, store history.Store, logger *zap.SugaredLogger, metrics *observability.Metrics, cfg Config) *Monitor {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if pub == nil {
		pub = push.Discard{}
	}
	logger = logging.OrNop(logger)
	return &Monitor{
		state:    state,
		feed:     feed,
		narrator: narrator,
		pub:      pub,
		history:  store,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// Run consumes the feed until the session stops, ctx ends or the feed fails.
func (m *Monitor) Run(ctx context.Context) {
	snap := m.state.Snapshot()
	if !snap.Running || snap.Target == nil {
		return
	}
	if m.feed == nil {
		m.fail(snap.SessionID, errors.New("comment feed unavailable"))
		return
	}
	target := *snap.Target
	sessionID := snap.SessionID
	log := m.logger.With("session_id", sessionID, "thread_id", target.ThreadID, "subreddit", target.Subreddit)

	var pending sync.WaitGroup
	defer pending.Wait()

	gate := rate.NewLimiter(rate.Every(m.cfg.MinInterval), 1)

	comments, errs := m.feed.Stream(ctx, target.Subreddit)
	log.Infow("monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Infow("monitor stopped")
			return
		case c, ok := <-comments:
			if !ok {
				err := <-errs
				if ctx.Err() != nil {
					log.Infow("monitor stopped")
					return
				}
				if err == nil {
					err = errors.New("feed closed")
				}
				m.fail(sessionID, err)
				return
			}
			if !m.state.Active(sessionID) {
				log.Infow("monitor stopped")
				return
			}
			m.handle(ctx, sessionID, target, gate, c, &pending)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, sessionID string, target session.Target, gate *rate.Limiter, c reddit.Comment, pending *sync.WaitGroup) {
	if c.ThreadID() != target.ThreadID {
		m.metrics.ObserveComment(resultOtherThread)
		return
	}
	if _, removed := removedBodies[c.Body]; removed {
		m.metrics.ObserveComment(resultRemoved)
		return
	}
	now := m.cfg.Now()
	if gate.TokensAt(now) < 1 {
		m.metrics.ObserveComment(resultRateLimited)
		return
	}
	seen, err := m.state.Seen(ctx, c.ID)
	if err != nil {
		m.logger.Warnw("seen lookup failed", "comment_id", c.ID, "error", err)
	}
	if seen {
		m.metrics.ObserveComment(resultDuplicate)
		return
	}
	if utf8.RuneCountInString(strings.TrimSpace(c.Body)) < minBodyRunes {
		m.metrics.ObserveComment(resultTooShort)
		return
	}

	added, err := m.state.MarkSeen(ctx, c.ID)
	if err != nil {
		m.logger.Warnw("mark seen failed", "comment_id", c.ID, "error", err)
		return
	}
	if !added {
		m.metrics.ObserveComment(resultDuplicate)
		return
	}
	gate.AllowN(now, 1)
	m.metrics.ObserveComment(resultAccepted)

	ctx, span := observability.Tracer().Start(ctx, "monitor.comment")
	defer span.End()
	span.SetAttributes(attribute.String("comment.id", c.ID))

	event := protocol.NewCommentEvent(c.ID, c.Author, c.Body, c.Permalink, now)
	m.pub.Publish(protocol.KindNewComment, event)
	m.debugf("New comment by %s: %s", event.Author, protocol.Truncate(c.Body, debugBodyRunes))

	var out *voice.Audio
	if m.narrator != nil {
		m.debugf("Converting text to speech: %s...", protocol.Truncate(voice.SanitizeSpeechText(c.Body), debugSpeechRunes))
		out = m.narrator.Narrate(ctx, c.Body, m.state.Settings())
	}
	if out != nil {
		m.pub.Publish(protocol.KindPlayAudio, protocol.AudioEvent{
			CommentID:  c.ID,
			Audio:      base64.StdEncoding.EncodeToString(out.Data),
			Text:       protocol.Truncate(c.Body, protocol.AudioTextLimit),
			Format:     out.Format,
			DurationMS: out.DurationMS,
		})
		if m.metrics != nil {
			m.metrics.AudioEvents.Inc()
		}
	}

	if m.history != nil {
		rec := history.Record{
			SessionID: sessionID,
			CommentID: c.ID,
			Author:    event.Author,
			Body:      event.Body,
			Permalink: c.Permalink,
			Narrated:  out != nil,
		}
		if out != nil {
			rec.AudioBytes = len(out.Data)
		}
		pending.Add(1)
		go func() {
			defer pending.Done()
			hctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
			defer cancel()
			if err := m.history.Append(hctx, rec); err != nil {
				m.logger.Warnw("history append failed", "comment_id", rec.CommentID, "error", err)
			}
		}()
	}
}

// fail reports a feed failure to clients and ends the session.
func (m *Monitor) fail(sessionID string, err error) {
	m.logger.Errorw("comment stream failed", "session_id", sessionID, "error", err)
	m.pub.Publish(protocol.KindError, protocol.MessageEvent{Message: "Comment stream error: " + err.Error()})
	if m.state.StopSession(sessionID) {
		m.metrics.ObserveSessionEvent("stream_error")
		m.metrics.SetStreaming(false)
	}
}

// debugf publishes a debug event when debug mode is on.
func (m *Monitor) debugf(format string, args ...any) {
	if !m.cfg.Debug {
		return
	}
	m.pub.Publish(protocol.KindDebug, protocol.MessageEvent{Message: fmt.Sprintf(format, args...)})
}
