package app

import (
	"fmt"
	"strings"

	"github.com/antoniostano/threadvoice/internal/config"
	"github.com/antoniostano/threadvoice/internal/voice"
)

type voiceSetup struct {
	provider         voice.TTSProvider
	resolvedProvider string
	defaultVoiceID   string
	defaultModelID   string
	detail           string
}

func resolveVoiceProvider(cfg config.Config) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}
	hasKey := strings.TrimSpace(cfg.ElevenLabsAPIKey) != ""

	elevenHTTP := func() voiceSetup {
		return voiceSetup{
			provider:         voice.NewElevenLabsHTTPProvider(cfg.ElevenLabsAPIKey, voice.WithHTTPBaseURL(cfg.ElevenLabsBaseURL)),
			resolvedProvider: "elevenlabs-http",
			defaultVoiceID:   cfg.ElevenLabsTTSVoice,
			defaultModelID:   cfg.ElevenLabsTTSModel,
			detail:           "elevenlabs streaming http",
		}
	}
	switch voiceMode {
	case "elevenlabs-http", "elevenlabs":
		if !hasKey {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=%s but ELEVENLABS_API_KEY is not set", voiceMode)
		}
		return elevenHTTP(), nil
	case "elevenlabs-ws":
		if !hasKey {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=%s but ELEVENLABS_API_KEY is not set", voiceMode)
		}
		return voiceSetup{
			provider:         voice.NewElevenLabsWSProvider(cfg.ElevenLabsAPIKey, cfg.ElevenLabsWSBaseURL),
			resolvedProvider: "elevenlabs-ws",
			defaultVoiceID:   cfg.ElevenLabsTTSVoice,
			defaultModelID:   cfg.ElevenLabsTTSModel,
			detail:           "elevenlabs stream-input websocket",
		}, nil
	case "mock":
		return voiceSetup{
			provider:         voice.NewMockProvider(),
			resolvedProvider: "mock",
			defaultVoiceID:   cfg.ElevenLabsTTSVoice,
			detail:           "mock",
		}, nil
	case "auto":
		if hasKey {
			return elevenHTTP(), nil
		}
		// Narration is disabled; comments are still pushed without audio.
		return voiceSetup{
			resolvedProvider: "none",
			defaultVoiceID:   cfg.ElevenLabsTTSVoice,
			detail:           "disabled (no elevenlabs key)",
		}, nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|elevenlabs-http|elevenlabs-ws|mock)", cfg.VoiceProvider)
	}
}
