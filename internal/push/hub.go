package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/threadvoice/internal/observability"
	"github.com/antoniostano/threadvoice/internal/protocol"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	readWait         = 120 * time.Second
	pingPeriod       = 50 * time.Second
	maxInboundBytes  = 64 << 10
)

// Hub is the registry of connected push channel clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
	logger  *zap.SugaredLogger
	metrics *observability.Metrics
}

func NewHub(logger *zap.SugaredLogger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

// Client is one connected websocket. Only its writer goroutine touches the connection
// for writes.
type Client struct {
	hub    *Hub
	send   chan frame
	id     string
	cancel context.CancelFunc
}

type frame struct {
	kind protocol.EventKind
	data []byte
}

// Send queues an event for this client only. It reports false when the queue is full.
func (c *Client) Send(kind protocol.EventKind, payload any) bool {
	data, err := json.Marshal(protocol.NewEnvelope(kind, payload))
	if err != nil {
		c.hub.logger.Errorw("encode push event", "type", kind, "error", err)
		return false
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return false
	}
	return c.hub.enqueue(c, kind, data)
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish broadcasts an event to every connected client.
func (h *Hub) Publish(kind protocol.EventKind, payload any) {
	data, err := json.Marshal(protocol.NewEnvelope(kind, payload))
	if err != nil {
		h.logger.Errorw("encode push event", "type", kind, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		h.metrics.ObserveOutboundMessage(string(kind), "no_clients")
		return
	}
	for c := range h.clients {
		h.enqueue(c, kind, data)
	}
}

func (h *Hub) enqueue(c *Client, kind protocol.EventKind, data []byte) bool {
	select {
	case c.send <- frame{kind: kind, data: data}:
		h.metrics.ObserveOutboundMessage(string(kind), "queued")
		return true
	default:
		h.metrics.ObserveOutboundMessage(string(kind), "dropped")
		h.logger.Debugw("push client queue full, dropping event", "client", c.id, "type", kind)
		return false
	}
}

// register reports false once the hub is closed.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
	return true
}

// Close ends every connected client and refuses new ones. Serve calls return once
// their connection has sent a close frame. Safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		if c.cancel != nil {
			c.cancel()
		}
	}
	h.logger.Infow("push hub closed", "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
}

// Handlers are the per-connection callbacks used by Serve.
type Handlers struct {
	// OnConnect runs after the client is registered, before any inbound frame is read.
	OnConnect func(c *Client)
	// OnMessage runs for each supported inbound frame.
	OnMessage func(c *Client, msg protocol.ClientMessage)
}

// Serve runs one websocket connection until the peer goes away or ctx ends. Close on
// the hub ends it too.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, id string, handlers Handlers) {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &Client{hub: h, send: make(chan frame, clientSendBuffer), id: id, cancel: cancel}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, cancel, conn, c)
	}()

	if handlers.OnConnect != nil {
		handlers.OnConnect(c)
	}

	conn.SetReadLimit(maxInboundBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	go func() {
		<-ctx.Done()
		// Unblocks ReadMessage on shutdown or Close.
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			// Clients may send anything; unknown frames are ignored.
			continue
		}
		if h.metrics != nil {
			h.metrics.WSMessages.WithLabelValues("inbound", msg.Type).Inc()
		}
		if handlers.OnMessage != nil {
			handlers.OnMessage(c, msg)
		}
	}

	cancel()
	h.unregister(c)
	<-writerDone
}

func (h *Hub) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case f, ok := <-c.send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				h.logger.Debugw("push client write failed", "client", c.id, "error", err)
				cancel()
				return
			}
			if h.metrics != nil {
				h.metrics.WSMessages.WithLabelValues("outbound", string(f.kind)).Inc()
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				return
			}
		}
	}
}

