package live

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-view-counter/internal/domain"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	sendBuffer  = 256
	maxFrame    = 1 << 10
	defaultSubs = 64
)

// Source opens live subscriptions. The view service implements it; the
// callback receives the current count first and then every change.
type Source interface {
	Subscribe(ctx context.Context, slug string, onUpdate func(int64)) (cancel func(), err error)
}

// HubOptions configures a Hub.
type HubOptions struct {
	Logger zerolog.Logger
	// AllowedOrigins restricts browser origins. Empty or "*" allows any.
	AllowedOrigins []string
	// MaxSubscriptions caps slugs per connection (default 64).
	MaxSubscriptions int
}

// Hub multiplexes live subscriptions over WebSocket connections. A single
// connection may follow many slugs; closing it cancels all of them.
type Hub struct {
	src      Source
	log      zerolog.Logger
	upgrader websocket.Upgrader
	maxSubs  int

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

type conn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]func()
	closed bool
	once   sync.Once
}

// NewHub builds a hub reading counts from src.
func NewHub(src Source, opts HubOptions) *Hub {
	h := &Hub{
		src:     src,
		log:     opts.Logger,
		maxSubs: opts.MaxSubscriptions,
		conns:   make(map[*conn]struct{}),
	}
	if h.maxSubs <= 0 {
		h.maxSubs = defaultSubs
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeWS upgrades the request and serves the connection until either side
// closes it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "live channel unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("live: websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]func()),
	}
	if !h.register(c) {
		cancel()
		_ = ws.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every client and waits for their goroutines to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	all := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
	h.wg.Wait()
}

func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(2)
	liveConnections.Inc()
	return true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		liveConnections.Dec()
	}
}

// close cancels every subscription of the connection, then stops the write
// pump. The read pump exits once the socket is closed.
func (c *conn) close() {
	c.once.Do(func() {
		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		for _, cancel := range subs {
			cancel()
		}
		c.cancel()

		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()

		c.hub.unregister(c)
	})
}

// enqueue hands a frame to the write pump. A client that falls a full
// buffer behind is disconnected.
func (c *conn) enqueue(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- b:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.hub.log.Warn().Str("slug", msg.Slug).Msg("live: send buffer full, closing connection")
		go c.close()
	}
}

func (c *conn) subscribe(slug string) {
	slug, err := domain.ValidateSlug(slug)
	if err != nil {
		c.enqueue(Message{Type: TypeError, Slug: slug, Error: err.Error()})
		return
	}

	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		return
	}
	if _, ok := c.subs[slug]; ok {
		c.mu.Unlock()
		return
	}
	if len(c.subs) >= c.hub.maxSubs {
		c.mu.Unlock()
		c.enqueue(Message{Type: TypeError, Slug: slug, Error: "too many subscriptions"})
		return
	}
	c.mu.Unlock()

	cancel, err := c.hub.src.Subscribe(c.ctx, slug, func(n int64) {
		c.enqueue(Message{Type: TypeUpdate, Slug: slug, ViewCount: n})
	})
	if err != nil {
		c.enqueue(Message{Type: TypeError, Slug: slug, Error: "live updates unavailable"})
		return
	}

	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.subs[slug] = cancel
	c.mu.Unlock()
}

func (c *conn) unsubscribe(slug string) {
	c.mu.Lock()
	cancel, ok := c.subs[slug]
	if ok {
		delete(c.subs, slug)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *conn) handle(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueue(Message{Type: TypeError, Error: "malformed message"})
		return
	}
	switch msg.Type {
	case TypeSubscribe:
		c.subscribe(msg.Slug)
	case TypeUnsubscribe:
		c.unsubscribe(strings.TrimSpace(msg.Slug))
	default:
		c.enqueue(Message{Type: TypeError, Slug: msg.Slug, Error: "unknown message type"})
	}
}

func (c *conn) readPump() {
	defer func() {
		c.close()
		_ = c.ws.Close()
		c.hub.wg.Done()
	}()

	c.ws.SetReadLimit(maxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Msg("live: read failed")
			}
			return
		}
		if typ == websocket.TextMessage {
			c.handle(raw)
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case b, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				go c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.close()
				return
			}
		}
	}
}
