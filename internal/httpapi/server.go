package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/threadvoice/internal/config"
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
	testAudioText     = "Text to speech system is working correctly."
	titleLimit        = 100
	defaultHistoryLen = 50
	verifyTimeout     = 5 * time.Second
)

// Sessions starts and stops the monitoring session. monitor.Controller implements it.
type Sessions interface {
	Start(ctx context.Context, rawURL string, override map[string]any) (session.Snapshot, error)
	Stop()
}

// Narrator is the speech synthesizer as seen by the HTTP layer.
type Narrator interface {
	Narrate(ctx context.Context, text string, settings session.VoiceSettings) *voice.Audio
	ProviderName() string
}

// RedditProbe checks that the reddit credentials work.
type RedditProbe interface {
	Verify(ctx context.Context) error
}

// Deps are the collaborators behind the HTTP surface. Reddit and History may be nil.
type Deps struct {
	State    *session.State
	Sessions Sessions
	Hub      *push.Hub
	Narrator Narrator
	Reddit   RedditProbe
	History  history.Store
	Metrics  *observability.Metrics
	Logger   *zap.SugaredLogger
}

type Server struct {
	cfg      config.Config
	state    *session.State
	sessions Sessions
	hub      *push.Hub
	narrator Narrator
	reddit   RedditProbe
	history  history.Store
	metrics  *observability.Metrics
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := logging.OrNop(deps.Logger)
	return &Server{
		cfg:      cfg,
		state:    deps.State,
		sessions: deps.Sessions,
		hub:      deps.Hub,
		narrator: deps.Narrator,
		reddit:   deps.Reddit,
		history:  deps.History,
		metrics:  deps.Metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the page's own origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/api/start_stream", s.handleStartStream)
	r.Post("/api/stop_stream", s.handleStopStream)
	r.Get("/api/settings", s.handleGetSettings)
	r.Post("/api/settings", s.handleUpdateSettings)
	r.Post("/api/test_audio", s.handleTestAudio)

	r.Post("/v1/session/start", s.handleStartStream)
	r.Post("/v1/session/stop", s.handleStopStream)
	r.Get("/v1/history", s.handleHistory)

	r.Get("/ws", s.handleWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	redditStatus := "not_configured"
	if s.reddit != nil {
		redditStatus = "configured"
	}
	tts := "none"
	if s.narrator != nil {
		tts = s.narrator.ProviderName()
	}
	historyMode := "disabled"
	if s.history != nil {
		historyMode = s.history.Mode()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "healthy",
		"upstreams_connected": s.reddit != nil && ttsLive(tts),
		"reddit":              redditStatus,
		"tts":                 tts,
		"streaming":           s.state.Running(),
		"history":             historyMode,
	})
}

// ttsLive reports whether tts names a real voice service connection.
func ttsLive(tts string) bool {
	return tts != "none" && tts != "mock"
}

type startStreamResponse struct {
	Success   bool   `json:"success"`
	Title     string `json:"title"`
	Subreddit string `json:"subreddit"`
	Author    string `json:"author"`
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id"`
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rawURL := threadURLFrom(body)
	if rawURL == "" {
		respondError(w, http.StatusBadRequest, "missing_url", "Reddit URL is required")
		return
	}

	snap, err := s.sessions.Start(r.Context(), rawURL, body)
	if err != nil {
		status, code, message := startErrorStatus(err)
		s.logger.Warnw("start stream rejected", "url", rawURL, "code", code, "error", err)
		respondError(w, status, code, message)
		return
	}

	resp := startStreamResponse{Success: true, SessionID: snap.SessionID}
	if snap.Target != nil {
		resp.Title = protocol.Truncate(snap.Target.Title, titleLimit)
		resp.Subreddit = snap.Target.Subreddit
		resp.Author = snap.Target.Author
		resp.ThreadID = snap.Target.ThreadID
	}
	respondJSON(w, http.StatusCreated, resp)
}

func threadURLFrom(body map[string]any) string {
	for _, key := range []string{"reddit_url", "threadUrl", "thread_url"} {
		if v, ok := body[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func startErrorStatus(err error) (int, string, string) {
	if errors.Is(err, session.ErrAlreadyRunning) {
		return http.StatusConflict, "already_streaming", "Already streaming"
	}
	var re *reddit.ResolveError
	if !errors.As(err, &re) {
		return http.StatusInternalServerError, "internal_error", err.Error()
	}
	switch re.Reason {
	case reddit.ReasonMalformed:
		return http.StatusBadRequest, "invalid_url", "Invalid Reddit URL"
	case reddit.ReasonNotFound:
		return http.StatusNotFound, "thread_not_found", "Thread not found or deleted"
	case reddit.ReasonForbidden:
		return http.StatusForbidden, "thread_forbidden", "Thread is private or restricted"
	case reddit.ReasonUnauthenticated:
		if errors.Is(err, reddit.ErrNotConfigured) {
			return http.StatusServiceUnavailable, "reddit_not_configured", "Reddit API credentials are not configured"
		}
		return http.StatusServiceUnavailable, "reddit_unauthenticated", "Reddit API authentication failed"
	default:
		return http.StatusBadGateway, "upstream_error", "Reddit API error"
	}
}

func (s *Server) handleStopStream(w http.ResponseWriter, _ *http.Request) {
	s.sessions.Stop()
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.state.Settings())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if err := decodeJSON(r, &partial); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	settings := s.state.UpdateSettings(partial)
	respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"settings": settings,
	})
}

func (s *Server) handleTestAudio(w http.ResponseWriter, r *http.Request) {
	var out *voice.Audio
	if s.narrator != nil {
		out = s.narrator.Narrate(r.Context(), testAudioText, s.state.Settings())
	}
	if out == nil {
		respondError(w, http.StatusInternalServerError, "synthesis_failed", "Failed to generate audio")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"audio":       base64.StdEncoding.EncodeToString(out.Data),
		"text":        testAudioText,
		"format":      out.Format,
		"duration_ms": out.DurationMS,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLen
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if s.cfg.HistoryLimit > 0 && limit > s.cfg.HistoryLimit {
		limit = s.cfg.HistoryLimit
	}

	if s.history == nil {
		respondJSON(w, http.StatusOK, map[string]any{"mode": "disabled", "records": []history.Record{}})
		return
	}
	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Errorw("history lookup failed", "error", err)
		respondError(w, http.StatusInternalServerError, "history_unavailable", "history lookup failed")
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"mode": s.history.Mode(), "records": records})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.metrics.ObserveSessionEvent("ws_connected")
	s.hub.Serve(r.Context(), conn, uuid.NewString(), push.Handlers{
		OnConnect: func(c *push.Client) {
			s.debug("Client connected")
			s.greet(r.Context(), c)
		},
		OnMessage: func(c *push.Client, msg protocol.ClientMessage) {
			if msg.Type == "ping" {
				c.Send(protocol.KindStatus, protocol.MessageEvent{Message: "pong"})
			}
		},
	})
	s.metrics.ObserveSessionEvent("ws_disconnected")
	s.debug("Client disconnected")
}

// debug broadcasts message to every client when debug mode is on.
func (s *Server) debug(message string) {
	if s.cfg.Debug {
		s.hub.Publish(protocol.KindDebug, protocol.MessageEvent{Message: message})
	}
}

// greet reports upstream health to a newly connected client.
func (s *Server) greet(ctx context.Context, c *push.Client) {
	if s.reddit == nil {
		c.Send(protocol.KindError, protocol.MessageEvent{Message: "Reddit API not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	if err := s.reddit.Verify(ctx); err != nil {
		s.logger.Warnw("reddit verification failed", "error", err)
		c.Send(protocol.KindError, protocol.MessageEvent{Message: "Reddit API authentication failed"})
		return
	}
	c.Send(protocol.KindStatus, protocol.MessageEvent{Message: "Connected to server"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
