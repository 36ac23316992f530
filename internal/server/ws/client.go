package ws

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/habitplatform/matchsync/internal/domain"
)

const (
	writeTimeout = 10 * time.Second
	// A client that misses pongs for this long is dropped.
	idleTimeout  = 60 * time.Second
	pingInterval = idleTimeout * 9 / 10
	// Clients never send data frames, so reads are tiny.
	readLimit = 512
	sendQueue = 64
)

// client is one connection bound to one address.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	address  domain.Address
	channels []string
	send     chan []byte
}

// newClient queues the hello frame before the hub can see the client, so it
// is always the first frame written.
func newClient(h *Hub, conn *websocket.Conn, addr domain.Address) *client {
	c := &client{
		hub:      h,
		conn:     conn,
		address:  addr,
		channels: []string{domain.MatchChannel(addr), domain.StakeChannel(addr)},
		send:     make(chan []byte, sendQueue),
	}
	payload, _ := json.Marshal(map[string]domain.Address{"address": addr})
	hello, _ := json.Marshal(envelope{Type: "hello", Payload: payload})
	c.send <- hello
	return c
}

// readLoop keeps the read side moving so pongs and close frames are seen.
func (c *client) readLoop() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("ws: read ended", slog.String("address", c.address.String()), slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writeLoop writes queued frames and keepalive pings until the hub closes
// the queue or a write fails.
func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
