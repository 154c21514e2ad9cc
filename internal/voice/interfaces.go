package voice

import (
	"context"

	"github.com/antoniostano/threadvoice/internal/session"
)

// TTSRequest is one narration call. Text is already sanitized and truncated.
type TTSRequest struct {
	Text         string
	VoiceID      string
	ModelID      string
	OutputFormat string
	Settings     session.VoiceSettings
}

// TTSProvider is one call convention for the voice service. Implementations return the
// complete audio for the request or an error; they never retry.
type TTSProvider interface {
	Name() string
	Synthesize(ctx context.Context, req TTSRequest) ([]byte, error)
}
