// Command seedviews writes administrative view counts from a YAML or JSON
// file into the configured store. It is used to migrate counts between
// backends and to restore them from an export.
//
//	seedviews --file counts.yaml
//	seedviews --file counts.json --store redis --dry-run
//
// Store selection and credentials come from the same environment as the
// server (DB_DRIVER, DB_PATH, DATABASE_URL, VIEW_STORE, REDIS_URL). When
// NATS_URL is set, running servers are told about the new counts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/tbourn/go-view-counter/internal/config"
	"github.com/tbourn/go-view-counter/internal/guard"
	"github.com/tbourn/go-view-counter/internal/live"
	"github.com/tbourn/go-view-counter/internal/repo"
	"github.com/tbourn/go-view-counter/internal/services"
	"github.com/tbourn/go-view-counter/internal/store"
	"github.com/tbourn/go-view-counter/internal/sysutil"
)

func main() {
	_ = godotenv.Load()

	var (
		file    = flag.StringP("file", "f", "", "seed file (YAML or JSON); - reads stdin")
		backend = flag.String("store", "", "override VIEW_STORE (sql|redis)")
		dryRun  = flag.Bool("dry-run", false, "validate the file without writing")
		verbose = flag.BoolP("verbose", "v", false, "log every entry")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	logger := sysutil.SetupLogger(level, true)

	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *backend != "" {
		cfg.ViewStore = *backend
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, *file, *dryRun, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed failed")
	}
}

func run(ctx context.Context, cfg config.Config, path string, dryRun bool, logger zerolog.Logger) error {
	in := os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	entries, err := parseSeed(in)
	if err != nil {
		return err
	}
	if dryRun {
		logger.Info().Int("entries", len(entries)).Msg("seed file ok (dry run)")
		return nil
	}

	svc, closeStore, err := openService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, e := range entries {
		if err := svc.Seed(ctx, e.Slug, e.Count, e.LastReadAt); err != nil {
			return fmt.Errorf("seed %s: %w", e.Slug, err)
		}
		logger.Debug().Str("slug", e.Slug).Int64("count", e.Count).Msg("seeded")
	}
	logger.Info().Int("entries", len(entries)).Str("store", cfg.ViewStore).Msg("seed complete")
	return nil
}

// openService builds a ViewService over the configured store. The returned
// func releases everything openService opened.
func openService(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*services.ViewService, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var counters services.Store
	switch cfg.ViewStore {
	case "redis":
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		rs, err := store.Dial(dctx, cfg.RedisURL)
		cancel()
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = rs.Close() })
		counters = rs
	default:
		target := cfg.DBPath
		if cfg.DBDriver == "postgres" {
			target = cfg.DatabaseURL
		}
		db, err := repo.Open(cfg.DBDriver, target, false)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.AutoMigrate(db); err != nil {
			return nil, nil, err
		}
		counters = repo.NewSQLStore(db)
	}

	svc := services.NewViewService(counters, nil, guard.New(cfg.Views.Cooldown))
	svc.StoreTimeout = cfg.Views.StoreTimeout

	if cfg.Live.NATSURL != "" {
		nc, err := live.ConnectNATS(ctx, cfg.Live.NATSURL, "seedviews")
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := nc.Flush(); err != nil {
				logger.Warn().Err(err).Msg("nats flush")
			}
			nc.Close()
		})
		broker := live.NewBroker()
		closers = append(closers, broker.Close)
		relay, err := live.NewNATSRelay(nc, broker, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = relay.Close() })
		svc.Notifier = relay
	}
	return svc, closeAll, nil
}
