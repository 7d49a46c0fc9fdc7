package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-view-counter/internal/domain"
	"github.com/tbourn/go-view-counter/internal/live"
)

// ErrLiveUnavailable reports that the live channel could not be set up.
// Callers fall back to point reads.
var ErrLiveUnavailable = errors.New("live channel unavailable")

const (
	liveWriteWait = 10 * time.Second
	// The server pings every 54s; two missed pings drop the connection.
	livePongWait = 2 * time.Minute
)

// Connector owns the process-wide live connection. Get dials it on first use
// and returns the same *LiveConn to every caller until it is closed; it is
// safe for concurrent use. A failed dial is not cached, so the next Get
// tries again.
type Connector struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header
	Log    zerolog.Logger

	// MaxDialTime bounds the first dial, including retries.
	MaxDialTime time.Duration

	mu   sync.Mutex
	conn *LiveConn
}

// NewConnector returns a connector for the WebSocket endpoint at url.
func NewConnector(url string) *Connector {
	return &Connector{
		URL:         url,
		Dialer:      websocket.DefaultDialer,
		Log:         log.Logger,
		MaxDialTime: 10 * time.Second,
	}
}

// Get returns the shared connection, dialling it if needed.
func (c *Connector) Get(ctx context.Context) (*LiveConn, error) {
	if c == nil || c.URL == "" {
		return nil, ErrLiveUnavailable
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.isClosed() {
		return c.conn, nil
	}

	lc := &LiveConn{
		url:    c.URL,
		dialer: c.Dialer,
		header: c.Header,
		log:    c.Log,
		broker: live.NewBroker(),
		refs:   map[string]int{},
		last:   map[string]int64{},
	}
	lc.ctx, lc.cancel = context.WithCancel(context.Background())

	dialCtx := ctx
	if c.MaxDialTime > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.MaxDialTime)
		defer cancel()
	}
	ws, err := lc.dial(dialCtx)
	if err != nil {
		lc.cancel()
		lc.broker.Close()
		return nil, fmt.Errorf("%w: %w", ErrLiveUnavailable, err)
	}
	lc.ws = ws
	lc.wg.Add(1)
	go lc.run(ws)

	c.conn = lc
	return lc, nil
}

// Close closes the shared connection, if any.
func (c *Connector) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	lc := c.conn
	c.conn = nil
	c.mu.Unlock()
	if lc != nil {
		lc.Close()
	}
}

// LiveConn multiplexes slug subscriptions over one WebSocket. The connection
// is redialled with exponential backoff when it drops, and every slug with
// local subscribers is subscribed again.
type LiveConn struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	log    zerolog.Logger

	broker *live.Broker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu     sync.Mutex
	ws     *websocket.Conn
	refs   map[string]int
	last   map[string]int64
	closed bool
}

// Subscribe calls fn with the current count of slug and then with every
// change until the returned function is called. The returned function is
// idempotent and safe to call from fn; once it returns no further counts are
// queued for fn.
func (lc *LiveConn) Subscribe(slug string, fn func(int64)) (func(), error) {
	slug, err := domain.ValidateSlug(slug)
	if err != nil {
		return nil, err
	}

	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		return nil, ErrLiveUnavailable
	}
	sub, err := lc.broker.Subscribe(slug, fn)
	if err != nil {
		lc.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrLiveUnavailable, err)
	}
	lc.refs[slug]++
	first := lc.refs[slug] == 1
	if n, ok := lc.last[slug]; ok {
		sub.Offer(n)
	}
	lc.mu.Unlock()

	if first {
		lc.send(live.Message{Type: live.TypeSubscribe, Slug: slug})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Cancel()
			lc.release(slug)
		})
	}, nil
}

// Close stops the connection and cancels every subscription. It must not be
// called from a subscription callback.
func (lc *LiveConn) Close() {
	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		return
	}
	lc.closed = true
	ws := lc.ws
	lc.mu.Unlock()

	lc.cancel()
	if ws != nil {
		lc.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		lc.writeMu.Unlock()
		_ = ws.Close()
	}
	lc.wg.Wait()
	lc.broker.Close()
}

func (lc *LiveConn) isClosed() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.closed
}

func (lc *LiveConn) release(slug string) {
	lc.mu.Lock()
	lc.refs[slug]--
	last := lc.refs[slug] <= 0
	if last {
		delete(lc.refs, slug)
		delete(lc.last, slug)
	}
	closed := lc.closed
	lc.mu.Unlock()

	if last && !closed {
		lc.send(live.Message{Type: live.TypeUnsubscribe, Slug: slug})
	}
}

// send writes msg on the current socket. Failures are left to the read loop,
// which notices the broken connection and redials.
func (lc *LiveConn) send(msg live.Message) {
	lc.mu.Lock()
	ws := lc.ws
	lc.mu.Unlock()
	if ws == nil {
		return
	}
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
	if err := ws.WriteJSON(msg); err != nil {
		lc.log.Debug().Err(err).Str("type", msg.Type).Str("slug", msg.Slug).Msg("live: write failed")
	}
}

func (lc *LiveConn) dial(ctx context.Context) (*websocket.Conn, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 0

	var ws *websocket.Conn
	op := func() error {
		conn, resp, err := lc.dialer.DialContext(ctx, lc.url, lc.header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("dial %s: %s", lc.url, resp.Status))
			}
			lc.log.Debug().Err(err).Str("url", lc.url).Msg("live: dial failed; retrying")
			return err
		}
		ws = conn
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return nil, err
	}
	ws.SetReadLimit(4 << 10)
	_ = ws.SetReadDeadline(time.Now().Add(livePongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(livePongWait))
		lc.writeMu.Lock()
		defer lc.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(liveWriteWait))
	})
	return ws, nil
}

func (lc *LiveConn) run(ws *websocket.Conn) {
	defer lc.wg.Done()
	for {
		err := lc.read(ws)
		_ = ws.Close()
		if lc.ctx.Err() != nil {
			return
		}
		lc.log.Warn().Err(err).Str("url", lc.url).Msg("live: connection lost; reconnecting")

		ws, err = lc.dial(lc.ctx)
		if err != nil {
			return
		}
		lc.mu.Lock()
		if lc.closed {
			lc.mu.Unlock()
			_ = ws.Close()
			return
		}
		lc.ws = ws
		slugs := make([]string, 0, len(lc.refs))
		for s := range lc.refs {
			slugs = append(slugs, s)
		}
		lc.mu.Unlock()

		for _, s := range slugs {
			lc.send(live.Message{Type: live.TypeSubscribe, Slug: s})
		}
	}
}

func (lc *LiveConn) read(ws *websocket.Conn) error {
	for {
		var msg live.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(livePongWait))

		switch msg.Type {
		case live.TypeUpdate:
			lc.mu.Lock()
			_, wanted := lc.refs[msg.Slug]
			if prev, seen := lc.last[msg.Slug]; wanted && (!seen || msg.Reset || msg.ViewCount > prev) {
				lc.last[msg.Slug] = msg.ViewCount
			}
			lc.mu.Unlock()
			if !wanted {
				continue
			}
			if msg.Reset {
				lc.broker.Reset(msg.Slug, msg.ViewCount)
			} else {
				lc.broker.Publish(msg.Slug, msg.ViewCount)
			}
		case live.TypeError:
			lc.log.Warn().Str("slug", msg.Slug).Str("error", msg.Error).Msg("live: server error")
		}
	}
}
