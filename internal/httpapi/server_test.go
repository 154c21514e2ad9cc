package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/threadvoice/internal/config"
	"github.com/antoniostano/threadvoice/internal/history"
	"github.com/antoniostano/threadvoice/internal/monitor"
	"github.com/antoniostano/threadvoice/internal/observability"
	"github.com/antoniostano/threadvoice/internal/push"
	"github.com/antoniostano/threadvoice/internal/reddit"
	"github.com/antoniostano/threadvoice/internal/session"
	"github.com/antoniostano/threadvoice/internal/voice"
)

const threadURL = "https://www.reddit.com/r/golang/comments/abc123/some_thread/"

type stubResolver struct {
	thread reddit.Thread
	err    error
}

func (r *stubResolver) ResolveThread(_ context.Context, rawURL string) (reddit.Thread, error) {
	if _, err := reddit.ParseThreadURL(rawURL); err != nil {
		return reddit.Thread{}, err
	}
	if r.err != nil {
		return reddit.Thread{}, r.err
	}
	return r.thread, nil
}

// idleFeed never yields comments; the worker waits for its context.
type idleFeed struct{}

func (idleFeed) Stream(context.Context, string) (<-chan reddit.Comment, <-chan error) {
	return make(chan reddit.Comment), make(chan error, 1)
}

type stubProbe struct{ err error }

func (p stubProbe) Verify(context.Context) error { return p.err }

type testEnv struct {
	srv      *httptest.Server
	state    *session.State
	resolver *stubResolver
	provider *voice.MockProvider
	store    *history.InMemoryStore
}

// liveProvider answers like the mock but reports a real voice service name.
type liveProvider struct{ *voice.MockProvider }

func (liveProvider) Name() string { return "elevenlabs-http" }

func newTestEnv(t *testing.T, probe RedditProbe) *testEnv {
	t.Helper()
	provider := voice.NewMockProvider()
	env := newTestEnvWithTTS(t, probe, provider, config.Config{HistoryLimit: 5})
	env.provider = provider
	return env
}

// newTestEnvWithTTS wires tts as the voice service; a nil tts disables narration.
func newTestEnvWithTTS(t *testing.T, probe RedditProbe, tts voice.TTSProvider, cfg config.Config) *testEnv {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	state := session.NewState(session.VoiceSettings{VoiceID: "voice-1", Stability: 0.71, SimilarityBoost: 0.5, UseSpeakerBoost: true}, nil)
	resolver := &stubResolver{thread: reddit.Thread{
		ID:        "abc123",
		Subreddit: "golang",
		Title:     strings.Repeat("t", 150),
		Author:    "alice",
		URL:       threadURL,
	}}
	synth := voice.NewSynthesizer(tts, voice.SynthesizerConfig{DefaultVoiceID: "voice-1"}, nil, metrics)
	store := history.NewInMemoryStore(20)
	hub := push.NewHub(nil, metrics)

	mon := monitor.New(state, idleFeed{}, synth, hub, store, nil, metrics, monitor.Config{})
	ctrl := monitor.NewController(context.Background(), state, resolver, mon, monitor.NewRunner(time.Second, nil), nil, metrics)
	t.Cleanup(ctrl.Stop)

	srv := New(cfg, Deps{
		State:    state,
		Sessions: ctrl,
		Hub:      hub,
		Narrator: synth,
		Reddit:   probe,
		History:  store,
		Metrics:  metrics,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, state: state, resolver: resolver, store: store}
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	res, err := http.Post(e.srv.URL+path, "application/json", reader)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	return res, decodeBody(t, res)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	return res, decodeBody(t, res)
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/health", "/healthz"} {
		res, body := env.get(t, path)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
		if body["status"] != "healthy" {
			t.Fatalf("status = %v, want healthy", body["status"])
		}
		if body["upstreams_connected"] != false {
			t.Fatalf("upstreams_connected = %v, want false without reddit", body["upstreams_connected"])
		}
		if body["reddit"] != "not_configured" {
			t.Fatalf("reddit = %v, want not_configured", body["reddit"])
		}
		if body["tts"] != "mock" {
			t.Fatalf("tts = %v, want mock", body["tts"])
		}
		if body["streaming"] != false {
			t.Fatalf("streaming = %v, want false", body["streaming"])
		}
	}

	tests := []struct {
		name          string
		tts           voice.TTSProvider
		wantTTS       string
		wantConnected bool
	}{
		{name: "live voice service", tts: liveProvider{voice.NewMockProvider()}, wantTTS: "elevenlabs-http", wantConnected: true},
		{name: "mock voice", tts: voice.NewMockProvider(), wantTTS: "mock", wantConnected: false},
		{name: "narration disabled", tts: nil, wantTTS: "none", wantConnected: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnvWithTTS(t, stubProbe{}, tc.tts, config.Config{})
			_, body := env.get(t, "/health")
			if body["tts"] != tc.wantTTS {
				t.Fatalf("tts = %v, want %s", body["tts"], tc.wantTTS)
			}
			if body["upstreams_connected"] != tc.wantConnected {
				t.Fatalf("upstreams_connected = %v, want %v", body["upstreams_connected"], tc.wantConnected)
			}
		})
	}
}

func TestStartStopStream(t *testing.T) {
	env := newTestEnv(t, stubProbe{})

	res, body := env.post(t, "/api/start_stream", map[string]any{"reddit_url": threadURL, "stability": 0.3})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want %d (%v)", res.StatusCode, http.StatusCreated, body)
	}
	if body["success"] != true {
		t.Fatalf("success = %v, want true", body["success"])
	}
	if title, _ := body["title"].(string); len(title) != titleLimit {
		t.Fatalf("title length = %d, want %d", len(title), titleLimit)
	}
	if body["subreddit"] != "golang" || body["author"] != "alice" {
		t.Fatalf("unexpected start response: %+v", body)
	}
	if id, _ := body["session_id"].(string); id == "" {
		t.Fatalf("missing session_id in %+v", body)
	}
	if got := env.state.Settings().Stability; got != 0.3 {
		t.Fatalf("Stability = %v, want 0.3", got)
	}

	_, health := env.get(t, "/health")
	if health["streaming"] != true {
		t.Fatalf("streaming = %v, want true", health["streaming"])
	}

	res, body = env.post(t, "/v1/session/start", map[string]any{"threadUrl": threadURL})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second start status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
	if body["error"] != "Already streaming" || body["code"] != "already_streaming" {
		t.Fatalf("unexpected conflict body: %+v", body)
	}

	for i := 0; i < 2; i++ {
		res, body = env.post(t, "/api/stop_stream", nil)
		if res.StatusCode != http.StatusOK || body["success"] != true {
			t.Fatalf("stop #%d = %d %+v, want 200 success", i+1, res.StatusCode, body)
		}
	}
	if env.state.Running() {
		t.Fatalf("Running() = true after stop")
	}
}

func TestStartStreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		resolveErr error
		wantStatus int
		wantCode   string
	}{
		{name: "empty body", body: nil, wantStatus: http.StatusBadRequest, wantCode: "missing_url"},
		{name: "missing url", body: map[string]any{"stability": 0.5}, wantStatus: http.StatusBadRequest, wantCode: "missing_url"},
		{name: "bad json", body: "{bad", wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "not reddit", body: map[string]any{"reddit_url": "https://example.com/r/x/comments/abc"}, wantStatus: http.StatusBadRequest, wantCode: "invalid_url"},
		{name: "not a thread", body: map[string]any{"reddit_url": "https://www.reddit.com/r/golang/"}, wantStatus: http.StatusBadRequest, wantCode: "invalid_url"},
		{
			name:       "not found",
			body:       map[string]any{"reddit_url": threadURL},
			resolveErr: &reddit.ResolveError{Reason: reddit.ReasonNotFound},
			wantStatus: http.StatusNotFound,
			wantCode:   "thread_not_found",
		},
		{
			name:       "forbidden",
			body:       map[string]any{"reddit_url": threadURL},
			resolveErr: &reddit.ResolveError{Reason: reddit.ReasonForbidden},
			wantStatus: http.StatusForbidden,
			wantCode:   "thread_forbidden",
		},
		{
			name:       "unauthenticated",
			body:       map[string]any{"reddit_url": threadURL},
			resolveErr: &reddit.ResolveError{Reason: reddit.ReasonUnauthenticated, Err: errors.New("401")},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "reddit_unauthenticated",
		},
		{
			name:       "not configured",
			body:       map[string]any{"reddit_url": threadURL},
			resolveErr: &reddit.ResolveError{Reason: reddit.ReasonUnauthenticated, Err: reddit.ErrNotConfigured},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "reddit_not_configured",
		},
		{
			name:       "upstream",
			body:       map[string]any{"reddit_url": threadURL},
			resolveErr: &reddit.ResolveError{Reason: reddit.ReasonUpstream, Err: errors.New("503")},
			wantStatus: http.StatusBadGateway,
			wantCode:   "upstream_error",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.resolver.err = tc.resolveErr
			res, body := env.post(t, "/api/start_stream", tc.body)
			if res.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d (%+v)", res.StatusCode, tc.wantStatus, body)
			}
			if body["code"] != tc.wantCode {
				t.Fatalf("code = %v, want %v", body["code"], tc.wantCode)
			}
			if msg, _ := body["error"].(string); msg == "" {
				t.Fatalf("missing error message in %+v", body)
			}
			if env.state.Running() {
				t.Fatalf("Running() = true after failed start")
			}
		})
	}
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t, nil)

	res, body := env.get(t, "/api/settings")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET settings status = %d", res.StatusCode)
	}
	if body["voice_id"] != "voice-1" || body["stability"] != 0.71 || body["use_speaker_boost"] != true {
		t.Fatalf("unexpected settings: %+v", body)
	}

	res, body = env.post(t, "/api/settings", map[string]any{
		"stability":       0.2,
		"similarityBoost": 3,
		"custom_knob":     "x",
	})
	if res.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("POST settings = %d %+v", res.StatusCode, body)
	}
	settings, _ := body["settings"].(map[string]any)
	if settings["stability"] != 0.2 {
		t.Fatalf("stability = %v, want 0.2", settings["stability"])
	}
	if settings["similarity_boost"] != 1.0 {
		t.Fatalf("similarity_boost = %v, want clamped 1", settings["similarity_boost"])
	}
	if settings["custom_knob"] != "x" {
		t.Fatalf("custom_knob = %v, want passthrough", settings["custom_knob"])
	}

	_, body = env.get(t, "/api/settings")
	if body["stability"] != 0.2 || body["custom_knob"] != "x" {
		t.Fatalf("settings not persisted: %+v", body)
	}

	res, _ = env.post(t, "/api/settings", "[1,2]")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad settings status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestTestAudio(t *testing.T) {
	env := newTestEnv(t, nil)

	res, body := env.post(t, "/api/test_audio", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("test_audio status = %d, want %d (%+v)", res.StatusCode, http.StatusOK, body)
	}
	if body["success"] != true || body["text"] != testAudioText {
		t.Fatalf("unexpected test_audio body: %+v", body)
	}
	want := base64.StdEncoding.EncodeToString(voice.MockAudio(testAudioText))
	if body["audio"] != want {
		t.Fatalf("audio = %v, want %v", body["audio"], want)
	}

	env.provider.ReturnEmpty(true)
	res, body = env.post(t, "/api/test_audio", nil)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("test_audio status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
	if msg, _ := body["error"].(string); msg == "" {
		t.Fatalf("missing error in %+v", body)
	}
}

func TestTestAudioWithoutVoiceService(t *testing.T) {
	env := newTestEnvWithTTS(t, nil, nil, config.Config{})

	res, body := env.post(t, "/api/test_audio", nil)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("test_audio status = %d, want %d (%+v)", res.StatusCode, http.StatusInternalServerError, body)
	}
	if body["success"] == true || body["audio"] != nil {
		t.Fatalf("test_audio reported audio without a voice service: %+v", body)
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 8; i++ {
		if err := env.store.Append(context.Background(), history.Record{CommentID: fmt.Sprintf("c%d", i), Body: "body"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	res, body := env.get(t, "/v1/history?limit=3")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", res.StatusCode)
	}
	records, _ := body["records"].([]any)
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if first := records[0].(map[string]any)["comment_id"]; first != "c7" {
		t.Fatalf("first record = %v, want newest c7", first)
	}

	_, body = env.get(t, "/v1/history?limit=100")
	if records, _ := body["records"].([]any); len(records) != 5 {
		t.Fatalf("records = %d, want capped at 5", len(records))
	}

	res, _ = env.get(t, "/v1/history?limit=abc")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func dialWS(t *testing.T, env *testEnv, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	return websocket.DefaultDialer.Dial(url, header)
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return ev
}

func TestWebSocketGreeting(t *testing.T) {
	tests := []struct {
		name     string
		probe    RedditProbe
		wantType string
		wantMsg  string
	}{
		{name: "connected", probe: stubProbe{}, wantType: "status", wantMsg: "Connected to server"},
		{name: "not configured", probe: nil, wantType: "error", wantMsg: "Reddit API not configured"},
		{name: "auth failure", probe: stubProbe{err: errors.New("invalid_client")}, wantType: "error", wantMsg: "Reddit API authentication failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.probe)
			conn, _, err := dialWS(t, env, nil)
			if err != nil {
				t.Fatalf("dial error = %v", err)
			}
			defer conn.Close()

			ev := readEvent(t, conn)
			if ev["type"] != tc.wantType {
				t.Fatalf("type = %v, want %v", ev["type"], tc.wantType)
			}
			if msg := ev["data"].(map[string]any)["message"]; msg != tc.wantMsg {
				t.Fatalf("message = %v, want %v", msg, tc.wantMsg)
			}
		})
	}
}

func TestWebSocketDebugEvents(t *testing.T) {
	env := newTestEnvWithTTS(t, stubProbe{}, voice.NewMockProvider(), config.Config{Debug: true})
	first, _, err := dialWS(t, env, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer first.Close()

	expect := func(wantType, wantMsg string) {
		t.Helper()
		ev := readEvent(t, first)
		if ev["type"] != wantType || ev["data"].(map[string]any)["message"] != wantMsg {
			t.Fatalf("event = %+v, want %s %q", ev, wantType, wantMsg)
		}
	}
	expect("debug", "Client connected")
	expect("status", "Connected to server")

	second, _, err := dialWS(t, env, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	expect("debug", "Client connected")
	_ = second.Close()
	expect("debug", "Client disconnected")
}

func TestWebSocketPing(t *testing.T) {
	env := newTestEnv(t, stubProbe{})
	conn, _, err := dialWS(t, env, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = readEvent(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write error = %v", err)
	}
	ev := readEvent(t, conn)
	if ev["type"] != "status" {
		t.Fatalf("type = %v, want status", ev["type"])
	}
	if msg := ev["data"].(map[string]any)["message"]; msg != "pong" {
		t.Fatalf("message = %v, want pong", msg)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, stubProbe{})
	_, res, err := dialWS(t, env, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatalf("dial error = nil, want handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", res)
	}
}
