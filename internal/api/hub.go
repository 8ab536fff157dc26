package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"exitengine/internal/audit"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Envelope is one message on /ws/audit.
type Envelope struct {
	Type    string       `json:"type"`
	Seq     int64        `json:"seq"`
	Event   *audit.Event `json:"event,omitempty"`
	Replay  bool         `json:"replay,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Hub fans audit events out to websocket clients. It implements
// audit.Sink, so it attaches to the audit bus like any other subscriber.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	seq     int64
	replay  *ReplayBuffer
	log     *zap.Logger

	// dropped counts envelopes not delivered to slow clients
	dropped int64
}

// NewHub creates a hub keeping the last replaySize envelopes for backfill.
func NewHub(replaySize int, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*client]bool),
		replay:  NewReplayBuffer(replaySize),
		log:     log.Named("ws"),
	}
}

// Record implements audit.Sink.
func (h *Hub) Record(_ context.Context, e audit.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	data, err := json.Marshal(Envelope{Type: "audit", Seq: h.seq, Event: &e})
	if err != nil {
		return err
	}
	h.replay.Push(h.seq, e.Symbol, data)

	for c := range h.clients {
		if c.symbol != "" && c.symbol != e.Symbol {
			continue
		}
		select {
		case c.send <- data:
		default:
			atomic.AddInt64(&h.dropped, 1)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and registers the client. Query params:
// symbol filters events; from_seq replays buffered events from that seq.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	q := r.URL.Query()
	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    h,
		symbol: q.Get("symbol"),
	}

	h.mu.Lock()
	// backfill under the lock so no live event slips between replay and registration
	if s := q.Get("from_seq"); s != "" {
		if from, err := strconv.ParseInt(s, 10, 64); err == nil {
			c.backfill(h.replay.Since(from, c.symbol))
		}
	}
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client connected", zap.Int("clients", count), zap.String("symbol", c.symbol))
	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many envelopes slow clients missed.
func (h *Hub) Dropped() int64 { return atomic.LoadInt64(&h.dropped) }

// Seq returns the sequence number of the last recorded event.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	symbol string
}

func (c *client) backfill(entries []replayEntry) {
	for _, e := range entries {
		var env Envelope
		if json.Unmarshal(e.Data, &env) != nil {
			continue
		}
		env.Replay = true
		data, _ := json.Marshal(env)
		select {
		case c.send <- data:
		default:
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services pings and detects disconnects; the stream is
// one-way.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		c.hub.log.Debug("ws client disconnected")
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
