package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/threadvoice/internal/config"
	"github.com/antoniostano/threadvoice/internal/history"
	"github.com/antoniostano/threadvoice/internal/logging"
	"github.com/antoniostano/threadvoice/internal/httpapi"
	"github.com/antoniostano/threadvoice/internal/monitor"
	"github.com/antoniostano/threadvoice/internal/observability"
	"github.com/antoniostano/threadvoice/internal/push"
	"github.com/antoniostano/threadvoice/internal/reddit"
	"github.com/antoniostano/threadvoice/internal/session"
	"github.com/antoniostano/threadvoice/internal/voice"
)

const cleanupTimeout = 5 * time.Second

type VoiceInfo struct {
	Provider       string
	Detail         string
	DefaultVoiceID string
	DefaultModelID string
}

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	State      *session.State
	Controller *monitor.Controller
	Hub        *push.Hub
	Metrics    *observability.Metrics
	Voice      VoiceInfo
	History    string

	// Cleanup should be called on shutdown to release external resources (redis, DB, NATS, tracing).
	Cleanup func() error
}

// Build wires the service. ctx bounds the lifetime of background monitoring workers.
func Build(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*BuildResult, error) {
	logger = logging.OrNop(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var closers []func() error
	cleanup := func() error {
		var errs []string
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}
	fail := func(err error) (*BuildResult, error) {
		_ = cleanup()
		return nil, err
	}

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName: "threadvoice",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Warnw("tracing disabled", "error", err)
	}
	closers = append(closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		return shutdownTracing(sctx)
	})

	var seen session.SeenSet
	if cfg.RedisURL != "" {
		redisSeen, err := session.NewRedisSeenSetFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("redis seen set init failed: %w", err))
		}
		seen = redisSeen
		logger.Infow("seen set backend", "mode", "redis")
	}
	state := session.NewState(session.VoiceSettings{
		VoiceID:         cfg.ElevenLabsTTSVoice,
		Stability:       cfg.DefaultStability,
		SimilarityBoost: cfg.DefaultSimilarityBoost,
		Style:           cfg.DefaultStyle,
		UseSpeakerBoost: cfg.DefaultSpeakerBoost,
	}, seen)
	closers = append(closers, state.Close)

	store, err := history.NewStore(ctx, cfg.DatabaseURL, cfg.HistoryLimit)
	if err != nil {
		return fail(fmt.Errorf("history store init failed: %w", err))
	}
	closers = append(closers, store.Close)

	voiceSetup, err := resolveVoiceProvider(cfg)
	if err != nil {
		return fail(err)
	}
	switch voiceSetup.resolvedProvider {
	case "none":
		logger.Warnw("ELEVENLABS_API_KEY not set, narration disabled")
	case "mock":
		logger.Warnw("VOICE_PROVIDER=mock, narration uses placeholder audio")
	}
	synth := voice.NewSynthesizer(voiceSetup.provider, voice.SynthesizerConfig{
		DefaultVoiceID: voiceSetup.defaultVoiceID,
		ModelID:        voiceSetup.defaultModelID,
		OutputFormat:   cfg.ElevenLabsTTSOutputFormat,
	}, logger, metrics)

	hub := push.NewHub(logger, metrics)
	closers = append(closers, func() error {
		hub.Close()
		return nil
	})
	var publisher push.Publisher = hub
	if cfg.NATSURL != "" {
		mirror, err := push.ConnectNATSMirror(cfg.NATSURL, logger)
		if err != nil {
			return fail(fmt.Errorf("nats mirror init failed: %w", err))
		}
		closers = append(closers, func() error {
			mirror.Close()
			return nil
		})
		publisher = push.Fanout{hub, mirror}
	}

	// Interfaces stay nil when reddit is unavailable so callers can tell.
	var (
		feed     monitor.Feed
		resolver monitor.Resolver
		probe    httpapi.RedditProbe
	)
	client, err := reddit.NewClient(reddit.Config{
		ClientID:     cfg.RedditClientID,
		ClientSecret: cfg.RedditClientSecret,
		UserAgent:    cfg.RedditUserAgent,
		PollInterval: cfg.RedditPollInterval,
	}, logger, metrics)
	switch {
	case errors.Is(err, reddit.ErrNotConfigured):
		logger.Warnw("REDDIT_CLIENT_ID or REDDIT_CLIENT_SECRET not set, monitoring disabled")
	case err != nil:
		return fail(fmt.Errorf("reddit client init failed: %w", err))
	default:
		feed, resolver, probe = client, client, client
	}

	mon := monitor.New(state, feed, synth, publisher, store, logger, metrics, monitor.Config{
		MinInterval: cfg.MonitorMinInterval,
		Debug:       cfg.Debug,
	})
	runner := monitor.NewRunner(cfg.StopJoinTimeout, logger)
	controller := monitor.NewController(ctx, state, resolver, mon, runner, logger, metrics)
	// Registered last so it runs first: stop the worker before its stores close.
	closers = append(closers, func() error {
		controller.Stop()
		return nil
	})

	api := httpapi.New(cfg, httpapi.Deps{
		State:    state,
		Sessions: controller,
		Hub:      hub,
		Narrator: synth,
		Reddit:   probe,
		History:  store,
		Metrics:  metrics,
		Logger:   logger,
	})

	return &BuildResult{
		Config:     cfg,
		API:        api,
		State:      state,
		Controller: controller,
		Hub:        hub,
		Metrics:    metrics,
		Voice: VoiceInfo{
			Provider:       voiceSetup.resolvedProvider,
			Detail:         voiceSetup.detail,
			DefaultVoiceID: voiceSetup.defaultVoiceID,
			DefaultModelID: voiceSetup.defaultModelID,
		},
		History: store.Mode(),
		Cleanup: cleanup,
	}, nil
}
