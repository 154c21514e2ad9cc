package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/threadvoice/internal/reliability"
)

// ElevenLabsWSProvider narrates over the stream-input websocket: prime with voice
// settings, send the text, close input and collect audio frames until the final marker.
type ElevenLabsWSProvider struct {
	apiKey    string
	wsBaseURL string
	dialer    *websocket.Dialer
}

func NewElevenLabsWSProvider(apiKey, wsBaseURL string) *ElevenLabsWSProvider {
	if strings.TrimSpace(wsBaseURL) == "" {
		wsBaseURL = "wss://api.elevenlabs.io"
	}
	return &ElevenLabsWSProvider{
		apiKey:    apiKey,
		wsBaseURL: strings.TrimRight(wsBaseURL, "/"),
		dialer:    websocket.DefaultDialer,
	}
}

func (p *ElevenLabsWSProvider) Name() string { return "elevenlabs-ws" }

func (p *ElevenLabsWSProvider) Synthesize(ctx context.Context, req TTSRequest) ([]byte, error) {
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

	u, err := url.Parse(p.wsBaseURL + "/v1/text-to-speech/" + url.PathEscape(req.VoiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", model)
	q.Set("output_format", format)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.apiKey)

	conn, resp, err := p.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		return nil, NewSynthesisError(p.Name(), reliability.StatusCode(code), "dial tts websocket", err, code == 0 || reliability.IsRetryableHTTPStatus(code))
	}

	s := &elevenTTSStream{conn: conn, events: make(chan ttsEvent, 512), done: make(chan struct{})}
	defer s.Close()
	go s.readLoop()

	// The first message carries voice settings and a single space, as the stream-input
	// protocol requires.
	if err := s.writeJSON(map[string]any{
		"text":           " ",
		"voice_settings": voiceSettingsPayload(req),
	}); err != nil {
		return nil, NewSynthesisError(p.Name(), "", "prime stream", err, true)
	}
	if err := s.sendText(req.Text + " "); err != nil {
		return nil, NewSynthesisError(p.Name(), "", "send text", err, true)
	}
	if err := s.closeInput(); err != nil {
		return nil, NewSynthesisError(p.Name(), "", "close input", err, true)
	}

	var audio []byte
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				// Server closed without a final marker; keep what arrived.
				if len(audio) == 0 {
					return nil, NewSynthesisError(p.Name(), "", "stream closed", ErrEmptyAudio, true)
				}
				return audio, nil
			}
			switch ev.kind {
			case ttsEventAudio:
				chunk, err := base64.StdEncoding.DecodeString(ev.audioBase64)
				if err != nil {
					return nil, NewSynthesisError(p.Name(), "", "decode audio frame", err, false)
				}
				audio = append(audio, chunk...)
			case ttsEventError:
				return nil, NewSynthesisError(p.Name(), ev.code, ev.detail, nil, false)
			case ttsEventFinal:
				if len(audio) == 0 {
					return nil, NewSynthesisError(p.Name(), "", "final without audio", ErrEmptyAudio, false)
				}
				return audio, nil
			}
		}
	}
}

type ttsEventKind int

const (
	ttsEventAudio ttsEventKind = iota
	ttsEventFinal
	ttsEventError
)

type ttsEvent struct {
	kind        ttsEventKind
	audioBase64 string
	code        string
	detail      string
}

type elevenTTSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	events    chan ttsEvent
}

func (s *elevenTTSStream) sendText(text string) error {
	return s.writeJSON(map[string]any{
		"text":                   text,
		"try_trigger_generation": true,
	})
}

func (s *elevenTTSStream) closeInput() error {
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *elevenTTSStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenTTSStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *elevenTTSStream) emit(ev ttsEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *elevenTTSStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		if audio := asString(raw["audio"]); audio != "" {
			if !s.emit(ttsEvent{kind: ttsEventAudio, audioBase64: audio}) {
				return
			}
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			if !s.emit(ttsEvent{kind: ttsEventError, code: asString(raw["message_type"]), detail: errMsg}) {
				return
			}
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			s.emit(ttsEvent{kind: ttsEventFinal})
			return
		}
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
