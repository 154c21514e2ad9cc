package voice

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/antoniostano/threadvoice/internal/audio"
	"github.com/antoniostano/threadvoice/internal/observability"
	"github.com/antoniostano/threadvoice/internal/session"
)

const (
	// Raw input shorter than this is not worth a voice service call.
	minSpeakableRunes = 3
	maxSpeechRunes    = 500
	truncatedRunes    = 497
)

// Audio is narrated output ready to push to clients.
type Audio struct {
	Data       []byte
	Format     string
	MIMEType   string
	DurationMS int64
	// Text is what was actually sent to the voice service.
	Text string
}

// SynthesizerConfig fixes the parts of a voice call that do not change per comment.
type SynthesizerConfig struct {
	DefaultVoiceID string
	ModelID        string
	OutputFormat   string
}

// Synthesizer turns comment text into audio through one TTSProvider. Every failure is
// logged and reported as "no audio"; callers never see provider errors.
type Synthesizer struct {
	provider TTSProvider
	cfg      SynthesizerConfig
	format   audio.Format
	logger   *zap.SugaredLogger
	metrics  *observability.Metrics
}

func NewSynthesizer(provider TTSProvider, cfg SynthesizerConfig, logger *zap.SugaredLogger, metrics *observability.Metrics) *Synthesizer {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = defaultElevenLabsFormat
	}
	format, err := audio.ParseFormat(cfg.OutputFormat)
	if err != nil {
		format = audio.Format{Codec: "mp3", SampleRate: 22050, BitrateK: 32}
		if logger != nil {
			logger.Warnw("unrecognized tts output format, assuming mp3", "output_format", cfg.OutputFormat, "error", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Synthesizer{
		provider: provider,
		cfg:      cfg,
		format:   format,
		logger:   logger,
		metrics:  metrics,
	}
}

// ProviderName names the active call convention.
func (s *Synthesizer) ProviderName() string {
	if s == nil || s.provider == nil {
		return "none"
	}
	return s.provider.Name()
}

// Synthesize returns audio bytes for text, or nil when no audio was produced.
// The error result is always nil; it exists so callers can treat this like any other
// blocking call.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, settings session.VoiceSettings) ([]byte, error) {
	out := s.Narrate(ctx, text, settings)
	if out == nil {
		return nil, nil
	}
	return out.Data, nil
}

// Narrate is Synthesize with format and duration detail. It returns nil for no audio.
func (s *Synthesizer) Narrate(ctx context.Context, text string, settings session.VoiceSettings) *Audio {
	if s == nil || s.provider == nil {
		return nil
	}
	if utf8.RuneCountInString(strings.TrimSpace(text)) < minSpeakableRunes {
		return nil
	}
	speech := PrepareSpeechText(text)
	if speech == "" {
		return nil
	}

	voiceID := settings.VoiceID
	if voiceID == "" {
		voiceID = s.cfg.DefaultVoiceID
	}

	ctx, span := observability.Tracer().Start(ctx, "voice.synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.String("tts.provider", s.provider.Name()),
		attribute.String("tts.voice_id", voiceID),
		attribute.Int("tts.text_runes", utf8.RuneCountInString(speech)),
	)

	start := time.Now()
	raw, err := s.provider.Synthesize(ctx, TTSRequest{
		Text:         speech,
		VoiceID:      voiceID,
		ModelID:      s.cfg.ModelID,
		OutputFormat: s.cfg.OutputFormat,
		Settings:     settings,
	})
	s.metrics.ObserveSynthesisLatency(time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		s.metrics.ObserveProviderError(s.provider.Name(), errorCode(err))
		var se *SynthesisError
		retryable := errors.As(err, &se) && se.Retryable
		s.logger.Errorw("speech synthesis failed",
			"provider", s.provider.Name(),
			"voice_id", voiceID,
			"retryable", retryable,
			"error", err,
		)
		return nil
	}
	if len(raw) == 0 {
		return nil
	}

	data, durationMS, err := audio.Prepare(s.format, raw)
	if err != nil {
		s.logger.Errorw("prepare synthesized audio", "error", err)
		return nil
	}
	span.SetAttributes(attribute.Int("tts.audio_bytes", len(data)))
	return &Audio{
		Data:       data,
		Format:     s.format.ContainerName(),
		MIMEType:   s.format.MIMEType(),
		DurationMS: durationMS,
		Text:       speech,
	}
}

// PrepareSpeechText sanitizes text and caps it at 500 runes, ending in "..." when cut.
func PrepareSpeechText(text string) string {
	speech := SanitizeSpeechText(text)
	if utf8.RuneCountInString(speech) > maxSpeechRunes {
		runes := []rune(speech)
		speech = string(runes[:truncatedRunes]) + "..."
	}
	return speech
}
