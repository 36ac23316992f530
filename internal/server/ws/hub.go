// Package ws pushes stake and match notifications to browser clients. Each
// connection is bound to one address and only sees that address's channels.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/habitplatform/matchsync/internal/domain"
)

// patterns are the pub/sub patterns the hub relays. Each delivery carries its
// concrete per-address channel, which selects the recipients.
var patterns = []string{
	domain.MatchChannelPrefix + "*",
	domain.StakeChannelPrefix + "*",
}

// envelope is the frame written to clients.
type envelope struct {
	Type    string          `json:"type"` // hello, stake or match
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hub relays signal bus deliveries to the connections subscribed to the
// delivery's channel.
type Hub struct {
	bus      domain.SignalBus
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu        sync.Mutex
	clients   map[*client]struct{}
	byChannel map[string]map[*client]struct{}
	closed    bool
}

// NewHub creates a hub over bus. allowedOrigins restricts browser origins;
// empty allows all.
func NewHub(bus domain.SignalBus, allowedOrigins []string, logger *slog.Logger) *Hub {
	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger:    logger.With(slog.String("component", "ws_hub")),
		clients:   make(map[*client]struct{}),
		byChannel: make(map[string]map[*client]struct{}),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run subscribes to the notification patterns and relays deliveries until
// ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	deliveries := make(chan domain.Message, 256)
	for _, p := range patterns {
		go h.forward(ctx, p, deliveries)
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case msg := <-deliveries:
			h.route(msg)
		}
	}
}

// forward copies one pattern subscription into deliveries.
func (h *Hub) forward(ctx context.Context, pattern string, deliveries chan<- domain.Message) {
	sub, err := h.bus.Subscribe(ctx, pattern)
	if err != nil {
		h.logger.Error("ws: subscribe failed", slog.String("pattern", pattern), slog.String("error", err.Error()))
		return
	}
	h.logger.Info("ws: subscribed", slog.String("pattern", pattern))

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				h.logger.Warn("ws: subscription closed", slog.String("pattern", pattern))
				return
			}
			select {
			case deliveries <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func frameType(channel string) string {
	if strings.HasPrefix(channel, domain.MatchChannelPrefix) {
		return "match"
	}
	return "stake"
}

func (h *Hub) route(msg domain.Message) {
	frame, err := json.Marshal(envelope{Type: frameType(msg.Channel), Channel: msg.Channel, Payload: msg.Payload})
	if err != nil {
		h.logger.Warn("ws: dropping malformed notification", slog.String("channel", msg.Channel))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.byChannel[msg.Channel] {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("ws: client too slow, dropping frame", slog.String("address", c.address.String()))
		}
	}
}

// attach indexes c under its channels. It fails once the hub has shut down.
func (h *Hub) attach(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	for _, ch := range c.channels {
		set := h.byChannel[ch]
		if set == nil {
			set = make(map[*client]struct{})
			h.byChannel[ch] = set
		}
		set[c] = struct{}{}
	}
	h.logger.Info("ws: client connected",
		slog.String("address", c.address.String()),
		slog.Int("clients", len(h.clients)),
	)
	return true
}

// detach removes c and closes its send queue. Repeated calls are no-ops.
func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(c)
}

func (h *Hub) drop(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for _, ch := range c.channels {
		delete(h.byChannel[ch], c)
		if len(h.byChannel[ch]) == 0 {
			delete(h.byChannel, ch)
		}
	}
	close(c.send)
	h.logger.Info("ws: client disconnected",
		slog.String("address", c.address.String()),
		slog.Int("clients", len(h.clients)),
	)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.drop(c)
	}
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS upgrades GET /ws?address=0x... and streams that address's match
// and incoming-stake notifications, starting with a hello frame.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	addr, err := domain.ParseAddress(r.URL.Query().Get("address"))
	if err != nil {
		http.Error(w, `{"error":"address query parameter required"}`, http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn, addr)
	if !h.attach(c) {
		_ = conn.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}
