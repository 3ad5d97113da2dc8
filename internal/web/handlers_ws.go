package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"pir-go-home/internal/presence"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second

	// wsStateFrame is the first frame on every connection.
	wsStateFrame = "state"
)

// WSHub fans presence events out to WebSocket clients. Broadcast never
// blocks: it runs on the poll goroutine, so a client whose buffer is full is
// dropped rather than waited on.
type WSHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	stopped bool
	logger  *slog.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}
}

// add registers c. It reports false once the hub is stopped.
func (h *WSHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws client connected", "clients", len(h.clients))
	return true
}

// remove unregisters c and closes its send channel. Unknown clients are ignored.
func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *WSHub) dropLocked(c *wsClient) bool {
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	close(c.send)
	return true
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast encodes msg once and queues it for every client.
func (h *WSHub) Broadcast(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropLocked(c)
			h.logger.Warn("ws client too slow, disconnecting", "clients", len(h.clients))
		}
	}
}

// Stop disconnects every client. Later connections are refused.
func (h *WSHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

// handleWS streams presence events to a listen-only client. The first frame
// is the current status so a client never has to race a GET /api/state.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	hello, err := json.Marshal(presence.Event{Type: wsStateFrame, Data: s.mon.Status()})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode state")
		return
	}
	client.send <- hello

	if !s.wsHub.add(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.wsHub.remove(client)

	// Incoming frames are discarded; ctx ends when the peer disconnects.
	ctx := conn.CloseRead(r.Context())
	s.wsWriteLoop(ctx, client)
}

func (s *Server) wsWriteLoop(ctx context.Context, client *wsClient) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.send:
			if !ok {
				client.conn.Close(websocket.StatusGoingAway, "disconnected by server")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := client.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := client.conn.Ping(pctx)
			cancel()
			if err != nil {
				s.logger.Debug("ws ping failed", "err", err)
				return
			}
		}
	}
}
