package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestViewer(s *stack, withLive bool) (*Viewer, *MemoryMarkStore) {
	store := &MemoryMarkStore{}
	g := NewGuard(store, 30*time.Minute, false)
	g.Log = zerolog.Nop()
	var conn *Connector
	if withLive {
		conn = newTestConnector(s.liveURL)
	}
	v := NewViewer(New(s.apiURL), g, conn)
	v.Log = zerolog.Nop()
	return v, store
}

func TestViewer_LiveTrackCountsOnce(t *testing.T) {
	s := newStack(t)
	v, store := newTestViewer(s, true)
	defer v.Connector.Close()

	got := newCollector()
	stop, err := v.Track(context.Background(), "post", TrackOptions{}, got.fn)
	require.NoError(t, err)
	defer stop()

	require.Zero(t, got.next(t))
	require.EqualValues(t, 1, got.next(t))

	marks, _ := store.Load()
	require.Contains(t, marks, "post")

	// a second page for the same slug is suppressed by the guard
	again := newCollector()
	stop2, err := v.Track(context.Background(), "post", TrackOptions{}, again.fn)
	require.NoError(t, err)
	require.EqualValues(t, 1, again.next(t))
	again.quiet(t, 200*time.Millisecond)
	stop2()
	stop2()
}

func TestViewer_DraftNeverIncrements(t *testing.T) {
	s := newStack(t)
	v, store := newTestViewer(s, true)
	defer v.Connector.Close()

	got := newCollector()
	stop, err := v.Track(context.Background(), "draft-post", TrackOptions{Draft: true}, got.fn)
	require.NoError(t, err)
	defer stop()

	require.Zero(t, got.next(t))
	got.quiet(t, 200*time.Millisecond)

	marks, _ := store.Load()
	require.NotContains(t, marks, "draft-post")
	n, err := s.svc.GetCount(context.Background(), "draft-post")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestViewer_PointReadFallback(t *testing.T) {
	s := newStack(t)
	v, _ := newTestViewer(s, false)

	got := newCollector()
	stop, err := v.Track(context.Background(), "post", TrackOptions{}, got.fn)
	require.NoError(t, err)
	stop()

	require.Zero(t, got.next(t))
	require.EqualValues(t, 1, got.next(t))

	// marked: read only
	stop, err = v.Track(context.Background(), "post", TrackOptions{}, got.fn)
	require.NoError(t, err)
	stop()
	require.EqualValues(t, 1, got.next(t))
	got.quiet(t, 100*time.Millisecond)
}

func TestViewer_FallbackWhenLiveDown(t *testing.T) {
	s := newStack(t)
	v, _ := newTestViewer(s, false)
	v.Connector = newTestConnector("ws://127.0.0.1:1/live")
	v.Connector.MaxDialTime = 200 * time.Millisecond

	got := newCollector()
	stop, err := v.Track(context.Background(), "post", TrackOptions{}, got.fn)
	require.NoError(t, err)
	stop()
	require.Zero(t, got.next(t))
	require.EqualValues(t, 1, got.next(t))
}

func TestViewer_UnavailableIsReported(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewGuard(nil, time.Hour, false)
	g.Log = zerolog.Nop()
	v := NewViewer(New(srv.URL), g, nil)
	v.Log = zerolog.Nop()

	called := false
	_, err := v.Track(context.Background(), "post", TrackOptions{}, func(int64) { called = true })
	require.ErrorIs(t, err, ErrUnavailable)
	require.False(t, called)
	require.Zero(t, posts.Load())
	require.False(t, g.WasMarkedRecently("post"))
}

func TestViewer_IncrementRetriesWithSameKey(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"slug":"post","view_count":4}`))
			return
		}
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"slug":"post","view_count":5,"skipped":false}`))
	}))
	defer srv.Close()

	v := NewViewer(New(srv.URL), NewGuard(nil, time.Hour, true), nil)
	v.Log = zerolog.Nop()

	got := newCollector()
	_, err := v.Track(context.Background(), "post", TrackOptions{}, got.fn)
	require.NoError(t, err)
	require.EqualValues(t, 4, got.next(t))
	require.EqualValues(t, 5, got.next(t))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 2)
	require.NotEmpty(t, keys[0])
	require.Equal(t, keys[0], keys[1])
}

func TestViewer_ConcurrentTracksSendOneIncrement(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"slug":"post","view_count":4}`))
			return
		}
		posts.Add(1)
		_, _ = w.Write([]byte(`{"slug":"post","view_count":5,"skipped":false}`))
	}))
	defer srv.Close()

	g := NewGuard(&MemoryMarkStore{}, time.Hour, false)
	g.Log = zerolog.Nop()
	v := NewViewer(New(srv.URL), g, nil)
	v.Log = zerolog.Nop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stop, err := v.Track(context.Background(), "post", TrackOptions{}, func(int64) {})
			if err != nil {
				t.Errorf("Track: %v", err)
				return
			}
			stop()
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, posts.Load())
}
