package client

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-view-counter/internal/cache"
	"github.com/tbourn/go-view-counter/internal/config"
	"github.com/tbourn/go-view-counter/internal/guard"
	httpapi "github.com/tbourn/go-view-counter/internal/http"
	"github.com/tbourn/go-view-counter/internal/live"
	"github.com/tbourn/go-view-counter/internal/repo"
	"github.com/tbourn/go-view-counter/internal/services"
)

// stack is a real server: SQLite store, in-process broker, hub, router.
type stack struct {
	svc     *services.ViewService
	broker  *live.Broker
	srv     *httptest.Server
	apiURL  string
	liveURL string
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(db))

	broker := live.NewBroker()
	svc := services.NewViewService(repo.NewSQLStore(db), cache.New(time.Minute), guard.New(guard.DefaultWindow))
	svc.Broker = broker
	svc.Notifier = broker
	svc.Receipts = repo.Receipts{DB: db}

	hub := live.NewHub(svc, live.HubOptions{Logger: zerolog.Nop()})

	cfg := config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   50,
		Live:        config.LiveConfig{Enabled: true},
	}
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{Views: svc, DB: db, Hub: hub}, cfg)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		broker.Close()
	})

	api := srv.URL + "/api/v1"
	ws, err := DeriveLiveURL(api)
	require.NoError(t, err)
	return &stack{svc: svc, broker: broker, srv: srv, apiURL: api, liveURL: ws}
}

// collector records counts delivered to a callback.
type collector struct {
	ch chan int64
}

func newCollector() *collector { return &collector{ch: make(chan int64, 64)} }

func (c *collector) fn(n int64) { c.ch <- n }

func (c *collector) next(t *testing.T) int64 {
	t.Helper()
	select {
	case n := <-c.ch:
		return n
	case <-time.After(3 * time.Second):
		t.Fatal("no count delivered")
		return 0
	}
}

func (c *collector) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case n := <-c.ch:
		t.Fatalf("unexpected count %d", n)
	case <-time.After(d):
	}
}
