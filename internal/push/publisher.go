package push

import "github.com/antoniostano/threadvoice/internal/protocol"

// Publisher delivers events to whoever is listening. Publish never blocks and never
// fails; undeliverable events are dropped.
type Publisher interface {
	Publish(kind protocol.EventKind, payload any)
}

// Fanout publishes every event to each sink in order.
type Fanout []Publisher

func (f Fanout) Publish(kind protocol.EventKind, payload any) {
	for _, p := range f {
		if p != nil {
			p.Publish(kind, payload)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(protocol.EventKind, any) {}
