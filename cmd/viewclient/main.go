// Command viewclient is the reader side of the view counter on the command
// line.
//
//	viewclient get post-a post-b      print counts
//	viewclient track post-a           record a view (client guard applies)
//	viewclient watch post-a post-b    follow counts live until interrupted
//
// Configuration comes from VIEWS_API_URL, VIEWS_LIVE_URL, VIEW_COOLDOWN,
// CLIENT_GUARD_DISABLED and VIEW_MARKS_FILE.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/tbourn/go-view-counter/internal/client"
	"github.com/tbourn/go-view-counter/internal/domain"
	"github.com/tbourn/go-view-counter/internal/sysutil"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: viewclient <get|track|watch> [flags] slug...")
}

func main() {
	_ = godotenv.Load()
	sysutil.SetupLogger(sysutil.FirstNonEmpty(os.Getenv("LOG_LEVEL"), "warn"), true)

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cfg, err := client.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "get":
		err = runGet(ctx, cfg, args, os.Stdout)
	case "track":
		err = runTrack(ctx, cfg, args, os.Stdout)
	case "watch":
		err = runWatch(ctx, cfg, args, os.Stdout)
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "viewclient:", err)
		os.Exit(1)
	}
}

// formatter renders counts with --compact or thousands separators.
type formatter func(int64) string

func formatFlag(fs *flag.FlagSet) *bool {
	return fs.BoolP("compact", "c", false, "print compact counts (1.2k)")
}

func pick(compact bool) formatter {
	if compact {
		return domain.CompactViewCount
	}
	return domain.FormatViewCount
}

func runGet(ctx context.Context, cfg client.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	compact := formatFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	slugs := fs.Args()
	if len(slugs) == 0 {
		return errors.New("get: at least one slug is required")
	}
	format := pick(*compact)

	counts, err := client.New(cfg.APIURL).GetCounts(ctx, slugs)
	if err != nil {
		if errors.Is(err, client.ErrUnavailable) {
			for _, s := range slugs {
				fmt.Fprintf(out, "%s\t-\n", s)
			}
		}
		return err
	}
	for _, s := range slugs {
		fmt.Fprintf(out, "%s\t%s\n", s, format(counts[s]))
	}
	return nil
}

func runTrack(ctx context.Context, cfg client.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("track", flag.ContinueOnError)
	compact := formatFlag(fs)
	draft := fs.Bool("draft", false, "show the count without recording a view")
	noGuard := fs.Bool("no-guard", false, "ignore the client cooldown marks")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("track: exactly one slug is required")
	}
	if *noGuard {
		cfg.GuardDisabled = true
	}
	cfg.LiveURL = "" // one-shot: a point read is enough
	v, err := client.NewViewerFromConfig(cfg)
	if err != nil {
		return err
	}

	slug := fs.Arg(0)
	format := pick(*compact)
	var last int64 = -1
	stop, err := v.Track(ctx, slug, client.TrackOptions{Draft: *draft}, func(n int64) { last = n })
	if err != nil {
		fmt.Fprintf(out, "%s\t-\n", slug)
		return err
	}
	stop()
	fmt.Fprintf(out, "%s\t%s\n", slug, format(last))
	return nil
}

func runWatch(ctx context.Context, cfg client.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	compact := formatFlag(fs)
	track := fs.Bool("track", false, "also record a view of each slug")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("watch: at least one slug is required")
	}
	v, err := client.NewViewerFromConfig(cfg)
	if err != nil {
		return err
	}
	defer v.Connector.Close()

	format := pick(*compact)
	var mu sync.Mutex
	var stops []func()
	defer func() {
		for _, stop := range stops {
			stop()
		}
	}()
	for _, slug := range fs.Args() {
		slug := slug
		stop, err := v.Track(ctx, slug, client.TrackOptions{Draft: !*track}, func(n int64) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(out, "%s\t%s\n", slug, format(n))
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", slug, err)
		}
		stops = append(stops, stop)
	}
	<-ctx.Done()
	return nil
}
