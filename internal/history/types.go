package history

import (
	"context"
	"time"
)

// Record is one accepted comment and whether it was narrated.
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	CommentID  string    `json:"comment_id"`
	Author     string    `json:"author"`
	Body       string    `json:"body"`
	Permalink  string    `json:"permalink"`
	AudioBytes int       `json:"audio_bytes"`
	Narrated   bool      `json:"narrated"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is an operator-facing log of narrated comments. It is never read back into
// session state.
type Store interface {
	Append(ctx context.Context, record Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Mode() string
	Close() error
}
