package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/threadvoice/internal/reliability"
)

const (
	defaultElevenLabsBaseURL = "https://api.elevenlabs.io"
	defaultElevenLabsModel   = "eleven_multilingual_v2"
	defaultElevenLabsFormat  = "mp3_22050_32"
	defaultElevenLabsTimeout = 60 * time.Second

	// Bounds error bodies read into memory.
	maxElevenLabsErrorBody = 64 << 10
)

// ElevenLabsHTTPProvider calls the streaming text-to-speech REST endpoint and reads the
// whole body. It is the default call convention.
type ElevenLabsHTTPProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// ElevenLabsHTTPOption configures the REST provider.
type ElevenLabsHTTPOption func(*ElevenLabsHTTPProvider)

// WithHTTPBaseURL overrides the API origin, mainly for tests.
func WithHTTPBaseURL(u string) ElevenLabsHTTPOption {
	return func(p *ElevenLabsHTTPProvider) {
		if strings.TrimSpace(u) != "" {
			p.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ElevenLabsHTTPOption {
	return func(p *ElevenLabsHTTPProvider) {
		if c != nil {
			p.client = c
		}
	}
}

func NewElevenLabsHTTPProvider(apiKey string, opts ...ElevenLabsHTTPOption) *ElevenLabsHTTPProvider {
	p := &ElevenLabsHTTPProvider{
		apiKey:  apiKey,
		baseURL: defaultElevenLabsBaseURL,
		client:  &http.Client{Timeout: defaultElevenLabsTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ElevenLabsHTTPProvider) Name() string { return "elevenlabs-http" }

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id,omitempty"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

func voiceSettingsPayload(req TTSRequest) elevenLabsVoiceSettings {
	return elevenLabsVoiceSettings{
		Stability:       req.Settings.Stability,
		SimilarityBoost: req.Settings.SimilarityBoost,
		Style:           req.Settings.Style,
		UseSpeakerBoost: req.Settings.UseSpeakerBoost,
	}
}

func (p *ElevenLabsHTTPProvider) Synthesize(ctx context.Context, req TTSRequest) ([]byte, error) {
	if strings.TrimSpace(req.VoiceID) == "" {
		return nil, NewSynthesisError(p.Name(), "", "voice_id is required", ErrInvalidVoice, false)
	}
	model := req.ModelID
	if model == "" {
		model = defaultElevenLabsModel
	}
	format := req.OutputFormat
	if format == "" {
		format = defaultElevenLabsFormat
	}

	body, err := json.Marshal(elevenLabsRequest{
		Text:          req.Text,
		ModelID:       model,
		VoiceSettings: voiceSettingsPayload(req),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	endpoint := p.baseURL + "/v1/text-to-speech/" + url.PathEscape(req.VoiceID) + "/stream?" +
		url.Values{"output_format": {format}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create tts request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewSynthesisError(p.Name(), reliability.StatusCode(0), "request failed", err, true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.handleError(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewSynthesisError(p.Name(), reliability.StatusCode(0), "read audio stream", err, true)
	}
	if len(audio) == 0 {
		return nil, NewSynthesisError(p.Name(), "", "empty body", ErrEmptyAudio, false)
	}
	return audio, nil
}

type elevenLabsErrorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

type elevenLabsErrorDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (p *ElevenLabsHTTPProvider) handleError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxElevenLabsErrorBody))
	status, message := parseElevenLabsError(raw)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	var cause error
	switch {
	case status == "quota_exceeded":
		cause = ErrQuotaExceeded
	case resp.StatusCode == http.StatusTooManyRequests:
		cause = ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized:
		cause = ErrUnauthenticated
	case resp.StatusCode == http.StatusNotFound, status == "voice_not_found":
		cause = ErrInvalidVoice
	}

	return NewSynthesisError(
		p.Name(),
		reliability.StatusCode(resp.StatusCode),
		message,
		cause,
		reliability.IsRetryableHTTPStatus(resp.StatusCode),
	)
}

// parseElevenLabsError accepts both {"detail":{"status","message"}} and {"detail":"text"}.
func parseElevenLabsError(raw []byte) (status, message string) {
	var env elevenLabsErrorResponse
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Detail) == 0 {
		return "", strings.TrimSpace(string(raw))
	}
	var detail elevenLabsErrorDetail
	if err := json.Unmarshal(env.Detail, &detail); err == nil {
		return detail.Status, detail.Message
	}
	var text string
	if err := json.Unmarshal(env.Detail, &text); err == nil {
		return "", text
	}
	return "", strings.TrimSpace(string(raw))
}
