package live

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// brokerSource mimics the view service: snapshot first, then changes.
type brokerSource struct {
	b      *Broker
	counts map[string]int64
	fail   bool
}

func (s *brokerSource) Subscribe(_ context.Context, slug string, fn func(int64)) (func(), error) {
	if s.fail {
		return nil, errors.New("down")
	}
	sub, err := s.b.Subscribe(slug, fn)
	if err != nil {
		return nil, err
	}
	sub.Offer(s.counts[slug])
	return sub.Cancel, nil
}

func newHubServer(t *testing.T, src Source) (*Hub, string) {
	t.Helper()
	h := NewHub(src, HubOptions{Logger: zerolog.Nop()})
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readMsg(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := ws.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestHub_SubscribeReceivesSnapshotThenUpdates(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	_, url := newHubServer(t, &brokerSource{b: b, counts: map[string]int64{"post": 7}})
	ws := dial(t, url)

	if err := ws.WriteJSON(Message{Type: TypeSubscribe, Slug: "post"}); err != nil {
		t.Fatal(err)
	}
	if m := readMsg(t, ws); m.Type != TypeUpdate || m.Slug != "post" || m.ViewCount != 7 {
		t.Fatalf("snapshot = %+v", m)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers("post") != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish("post", 8)
	if m := readMsg(t, ws); m.ViewCount != 8 {
		t.Fatalf("update = %+v", m)
	}

	if err := ws.WriteJSON(Message{Type: TypeUnsubscribe, Slug: "post"}); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for b.Subscribers("post") != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := b.Subscribers("post"); n != 0 {
		t.Fatalf("subscribers after unsubscribe = %d", n)
	}
}

func TestHub_RejectsBadFrames(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	_, url := newHubServer(t, &brokerSource{b: b})
	ws := dial(t, url)

	_ = ws.WriteMessage(websocket.TextMessage, []byte("{not json"))
	if m := readMsg(t, ws); m.Type != TypeError {
		t.Fatalf("malformed frame reply = %+v", m)
	}
	_ = ws.WriteJSON(Message{Type: TypeSubscribe, Slug: "../etc"})
	if m := readMsg(t, ws); m.Type != TypeError {
		t.Fatalf("bad slug reply = %+v", m)
	}
	_ = ws.WriteJSON(Message{Type: "dance", Slug: "x"})
	if m := readMsg(t, ws); m.Type != TypeError || m.Error != "unknown message type" {
		t.Fatalf("unknown type reply = %+v", m)
	}
}

func TestHub_SourceFailure(t *testing.T) {
	_, url := newHubServer(t, &brokerSource{fail: true})
	ws := dial(t, url)
	_ = ws.WriteJSON(Message{Type: TypeSubscribe, Slug: "x"})
	if m := readMsg(t, ws); m.Type != TypeError || m.Slug != "x" {
		t.Fatalf("reply = %+v", m)
	}
}

func TestHub_DisconnectCancelsSubscriptions(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	h, url := newHubServer(t, &brokerSource{b: b})
	ws := dial(t, url)

	for _, slug := range []string{"a", "b"} {
		_ = ws.WriteJSON(Message{Type: TypeSubscribe, Slug: slug})
		readMsg(t, ws)
	}
	if h.Connections() != 1 {
		t.Fatalf("Connections = %d", h.Connections())
	}
	_ = ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for (b.Subscribers("a")+b.Subscribers("b") > 0 || h.Connections() > 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Subscribers("a")+b.Subscribers("b") != 0 || h.Connections() != 0 {
		t.Fatalf("leaked: a=%d b=%d conns=%d", b.Subscribers("a"), b.Subscribers("b"), h.Connections())
	}
}

func TestHub_OriginCheck(t *testing.T) {
	check := originChecker([]string{"https://blog.example"})
	r := httptest.NewRequest("GET", "/live", nil)
	if !check(r) {
		t.Fatalf("missing origin should pass")
	}
	r.Header.Set("Origin", "https://evil.example")
	if check(r) {
		t.Fatalf("foreign origin should be rejected")
	}
	r.Header.Set("Origin", "https://blog.example")
	if !check(r) {
		t.Fatalf("allowed origin rejected")
	}
	if !originChecker([]string{"*"})(r) {
		t.Fatalf("wildcard should allow")
	}
}
