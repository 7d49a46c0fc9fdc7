// Command server runs the view counter HTTP API.
//
// @title          View Counter API
// @version        1.0
// @description    Per-slug view counts with a server-side cooldown, CDN-cacheable reads, and live updates.
// @BasePath       /api/v1
// @schemes        http https
// @accept         json
// @produce        json
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-view-counter/docs"
	"github.com/tbourn/go-view-counter/internal/cache"
	"github.com/tbourn/go-view-counter/internal/config"
	"github.com/tbourn/go-view-counter/internal/guard"
	httpapi "github.com/tbourn/go-view-counter/internal/http"
	"github.com/tbourn/go-view-counter/internal/live"
	"github.com/tbourn/go-view-counter/internal/observability"
	"github.com/tbourn/go-view-counter/internal/repo"
	"github.com/tbourn/go-view-counter/internal/services"
	"github.com/tbourn/go-view-counter/internal/store"
	"github.com/tbourn/go-view-counter/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const receiptPurgeInterval = 15 * time.Minute

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logger := sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty)
	gin.SetMode(cfg.GinMode)
	docs.SwaggerInfo.Version = version
	docs.SwaggerInfo.BasePath = cfg.APIBasePath

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownOTel, err := observability.Setup(ctx, cfg.OTEL, observability.Instance{
		Version:   version,
		ViewStore: cfg.ViewStore,
		DBDriver:  cfg.DBDriver,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			logger.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	target := cfg.DBPath
	if cfg.DBDriver == "postgres" {
		target = cfg.DatabaseURL
	}
	db, err := repo.Open(cfg.DBDriver, target, cfg.OTEL.Enabled)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	var counters services.Store = repo.NewSQLStore(db)
	if cfg.ViewStore == "redis" {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		rs, err := store.Dial(dctx, cfg.RedisURL)
		cancel()
		if err != nil {
			return err
		}
		defer rs.Close()
		counters = rs
	}

	var c *cache.TTLCache
	if cfg.Views.CacheTTL > 0 {
		c = cache.New(cfg.Views.CacheTTL)
	}

	broker := live.NewBroker()
	defer broker.Close()

	svc := services.NewViewService(counters, c, guard.New(cfg.Views.Cooldown))
	svc.Broker = broker
	svc.Notifier = broker
	svc.Receipts = repo.Receipts{DB: db}
	svc.ReceiptTTL = cfg.ReceiptTTL
	svc.TrackingEnabled = cfg.Views.TrackingEnabled
	svc.StoreTimeout = cfg.Views.StoreTimeout

	if cfg.Live.Enabled && cfg.Live.NATSURL != "" {
		nc, err := live.ConnectNATS(ctx, cfg.Live.NATSURL, "view-counter")
		if err != nil {
			return err
		}
		defer nc.Close()
		relay, err := live.NewNATSRelay(nc, broker, logger)
		if err != nil {
			return err
		}
		defer relay.Close()
		svc.Notifier = relay
		logger.Info().Str("url", cfg.Live.NATSURL).Msg("live: relaying through NATS")
	}

	var hub *live.Hub
	if cfg.Live.Enabled {
		hub = live.NewHub(svc, live.HubOptions{
			Logger:         logger,
			AllowedOrigins: cfg.CORS.AllowedOrigins,
		})
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{Views: svc, DB: db, Hub: hub}, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go purgeReceipts(ctx, db, logger)

	errc := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("store", cfg.ViewStore).
			Str("db", cfg.DBDriver).
			Str("config_file", cfg.File).
			Dur("cooldown", cfg.Views.Cooldown).
			Dur("cache_ttl", cfg.Views.CacheTTL).
			Bool("tracking", cfg.Views.TrackingEnabled).
			Bool("live", cfg.Live.Enabled).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")

	// Live connections are hijacked, so Shutdown does not wait for them.
	if hub != nil {
		hub.Close()
	}
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// purgeReceipts deletes expired idempotency receipts until ctx is done.
func purgeReceipts(ctx context.Context, db *gorm.DB, logger zerolog.Logger) {
	t := time.NewTicker(receiptPurgeInterval)
	defer t.Stop()
	receipts := repo.Receipts{DB: db}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := receipts.Purge(ctx, now)
			if err != nil {
				logger.Warn().Err(err).Msg("receipts: purge failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("deleted", n).Msg("receipts: purged expired")
			}
		}
	}
}
