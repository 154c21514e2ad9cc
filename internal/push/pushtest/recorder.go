// Package pushtest provides publishers for tests of code that emits push events.
package pushtest

import (
	"sync"

	"github.com/antoniostano/threadvoice/internal/protocol"
)

// Recorder is a push.Publisher that keeps every event in memory so tests can assert
// emission order.
type Recorder struct {
	mu     sync.Mutex
	events []protocol.Envelope
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(kind protocol.EventKind, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, protocol.NewEnvelope(kind, payload))
}

// Events returns a copy of what was published so far.
func (r *Recorder) Events() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.events...)
}

// Kinds lists the published event kinds in order.
func (r *Recorder) Kinds() []protocol.EventKind {
	events := r.Events()
	kinds := make([]protocol.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Type)
	}
	return kinds
}
