package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind identifies push channel payload variants.
type EventKind string

const (
	KindDebug      EventKind = "debug"
	KindStatus     EventKind = "status"
	KindError      EventKind = "error"
	KindNewComment EventKind = "new_comment"
	KindPlayAudio  EventKind = "play_audio"
)

const (
	// CommentBodyLimit caps CommentEvent.Body.
	CommentBodyLimit = 500
	// AudioTextLimit caps AudioEvent.Text.
	AudioTextLimit = 100
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Envelope is the wire frame for every push event.
type Envelope struct {
	Type EventKind `json:"type"`
	Data any       `json:"data"`
	TSMs int64     `json:"ts_ms"`
}

// NewEnvelope wraps payload for delivery.
func NewEnvelope(kind EventKind, payload any) Envelope {
	return Envelope{Type: kind, Data: payload, TSMs: time.Now().UnixMilli()}
}

// MessageEvent carries debug, status and error strings.
type MessageEvent struct {
	Message string `json:"message"`
}

// CommentEvent is the read-only projection of an accepted feed comment.
type CommentEvent struct {
	ID        string  `json:"id"`
	Author    string  `json:"author"`
	Body      string  `json:"body"`
	Timestamp float64 `json:"timestamp"`
	Permalink string  `json:"permalink"`
}

// AudioEvent carries narration audio for one CommentEvent.
type AudioEvent struct {
	CommentID  string `json:"comment_id"`
	Audio      string `json:"audio"`
	Text       string `json:"text"`
	Format     string `json:"format,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// NewCommentEvent builds a CommentEvent, truncating the body and stamping the time.
func NewCommentEvent(id, author, body, permalink string, at time.Time) CommentEvent {
	if author == "" {
		author = "[deleted]"
	}
	return CommentEvent{
		ID:        id,
		Author:    author,
		Body:      Truncate(body, CommentBodyLimit),
		Timestamp: float64(at.UnixNano()) / float64(time.Second),
		Permalink: permalink,
	}
}

// Truncate cuts s to at most limit runes.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

// ClientMessage is the only inbound frame the push channel understands.
type ClientMessage struct {
	Type string `json:"type"`
}

// ParseClientMessage decodes an inbound frame; only "ping" is supported.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid envelope: %w", err)
	}
	switch msg.Type {
	case "ping":
		return msg, nil
	default:
		return ClientMessage{}, ErrUnsupportedType
	}
}
