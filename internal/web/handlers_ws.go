package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"launcher-ate/internal/events"
)

const (
	wsClientQueue  = 64
	wsFrameQueue   = 256
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4096
)

// wsMessage is a frame sent to monitor clients. A client always receives a
// "snapshot" first, then "event" frames, plus a fresh snapshot whenever it
// sends {"type":"snapshot"}.
type wsMessage struct {
	Type   string        `json:"type"`
	Event  *events.Event `json:"event,omitempty"`
	Status *Status       `json:"status,omitempty"`
}

// wsClient is one monitor connection.
type wsClient struct {
	conn *websocket.Conn
	out  chan []byte
	only map[string]struct{} // event types wanted; empty means all
}

func newWSClient(conn *websocket.Conn, filter []string) *wsClient {
	c := &wsClient{conn: conn, out: make(chan []byte, wsClientQueue)}
	for _, t := range filter {
		if t = strings.TrimSpace(t); t != "" {
			if c.only == nil {
				c.only = make(map[string]struct{})
			}
			c.only[t] = struct{}{}
		}
	}
	return c
}

func (c *wsClient) wants(msg wsMessage) bool {
	if msg.Event == nil || len(c.only) == 0 {
		return true
	}
	_, ok := c.only[msg.Event.Type]
	return ok
}

// WSHub fans bench events out to monitor clients. All client bookkeeping
// happens on the Run goroutine; a client that cannot keep up is dropped.
type WSHub struct {
	logger   *slog.Logger
	snapshot func() Status

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	join    chan *wsClient
	leave   chan *wsClient
	refresh chan *wsClient
	frames  chan wsMessage

	quit     chan struct{}
	quitOnce sync.Once
}

// NewWSHub creates a hub. snapshot supplies the status sent to each client
// when it joins.
func NewWSHub(logger *slog.Logger, snapshot func() Status) *WSHub {
	return &WSHub{
		logger:   logger,
		snapshot: snapshot,
		clients:  make(map[*wsClient]struct{}),
		join:     make(chan *wsClient),
		leave:    make(chan *wsClient),
		refresh:  make(chan *wsClient),
		frames:   make(chan wsMessage, wsFrameQueue),
		quit:     make(chan struct{}),
	}
}

// Run processes joins, leaves and frames until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.quit:
			h.dropAll()
			return
		case c := <-h.join:
			h.add(c)
		case c := <-h.leave:
			h.remove(c, "left")
		case c := <-h.refresh:
			h.sendSnapshot(c)
		case msg := <-h.frames:
			h.fanout(msg)
		}
	}
}

// Stop shuts the hub down and closes every client queue. Safe to call more
// than once.
func (h *WSHub) Stop() {
	h.quitOnce.Do(func() { close(h.quit) })
}

// Broadcast queues msg for delivery. It never blocks; when the queue is full
// the frame is dropped.
func (h *WSHub) Broadcast(msg wsMessage) {
	select {
	case h.frames <- msg:
	default:
		h.logger.Warn("ws frame queue full, dropping frame", "type", msg.Type)
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws client joined", "clients", n)
	h.sendSnapshot(c)
}

func (h *WSHub) remove(c *wsClient, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.out)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("ws client removed", "reason", reason, "clients", n)
	}
}

func (h *WSHub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.out)
		delete(h.clients, c)
	}
}

func (h *WSHub) sendSnapshot(c *wsClient) {
	h.mu.RLock()
	_, ok := h.clients[c]
	h.mu.RUnlock()
	if !ok || h.snapshot == nil {
		return
	}
	status := h.snapshot()
	data, err := json.Marshal(wsMessage{Type: "snapshot", Status: &status})
	if err != nil {
		h.logger.Error("ws marshal snapshot", "err", err)
		return
	}
	h.deliver(c, data)
}

func (h *WSHub) fanout(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "err", err, "type", msg.Type)
		return
	}
	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		if c.wants(msg) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, data)
	}
}

// deliver queues data for c, removing c when its queue is full. Only called
// from Run.
func (h *WSHub) deliver(c *wsClient, data []byte) {
	select {
	case c.out <- data:
	default:
		h.remove(c, "too slow")
		h.logger.Warn("ws client evicted (too slow)")
	}
}

// handleWS upgrades the request and streams frames to it. The optional
// events query parameter is a comma-separated list of event types to
// receive.
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
	conn.SetReadLimit(wsReadLimit)

	var filter []string
	if v := r.URL.Query().Get("events"); v != "" {
		filter = strings.Split(v, ",")
	}
	client := newWSClient(conn, filter)

	select {
	case s.wsHub.join <- client:
	case <-s.wsHub.quit:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWriteLoop(client)
	s.wsReadLoop(client)
}

func (s *Server) wsWriteLoop(c *wsClient) {
	for data := range c.out {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadLoop serves snapshot requests from the client and removes it from
// the hub when the connection ends. Other frames are ignored.
func (s *Server) wsReadLoop(c *wsClient) {
	hub := s.wsHub
	defer func() {
		select {
		case hub.leave <- c:
		case <-hub.quit:
			c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-hub.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var req struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &req) != nil || req.Type != "snapshot" {
			continue
		}
		select {
		case hub.refresh <- c:
		case <-hub.quit:
			return
		}
	}
}
