package client

import (
	"errors"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tbourn/go-view-counter/internal/sysutil"
)

// Config is the reader-side configuration.
type Config struct {
	APIURL        string        // VIEWS_API_URL
	LiveURL       string        // VIEWS_LIVE_URL, derived from APIURL when unset
	Window        time.Duration // VIEW_COOLDOWN
	GuardDisabled bool          // CLIENT_GUARD_DISABLED
	MarksFile     string        // VIEW_MARKS_FILE, XDG state file when empty
}

// LoadConfig reads the client configuration from the environment.
func LoadConfig() (Config, error) {
	cfg := Config{
		APIURL:        sysutil.FirstNonEmpty(os.Getenv("VIEWS_API_URL"), "http://localhost:8080/api/v1"),
		LiveURL:       strings.TrimSpace(os.Getenv("VIEWS_LIVE_URL")),
		Window:        sysutil.DurationDefault(os.Getenv("VIEW_COOLDOWN"), 30*time.Minute),
		GuardDisabled: sysutil.IsTruthy(os.Getenv("CLIENT_GUARD_DISABLED")),
		MarksFile:     strings.TrimSpace(os.Getenv("VIEW_MARKS_FILE")),
	}
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")

	if cfg.LiveURL == "" {
		live, err := DeriveLiveURL(cfg.APIURL)
		if err != nil {
			return cfg, err
		}
		cfg.LiveURL = live
	}
	if cfg.Window < 0 {
		return cfg, errors.New("VIEW_COOLDOWN must be >= 0")
	}
	return cfg, nil
}

// DeriveLiveURL maps an API base URL onto the WebSocket endpoint served next
// to it: http://host/api/v1 becomes ws://host/api/v1/live.
func DeriveLiveURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.New("VIEWS_API_URL must be an http or https URL")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/live"
	u.RawQuery = ""
	return u.String(), nil
}

// NewViewerFromConfig builds the viewer a CLI or page host uses.
func NewViewerFromConfig(cfg Config) (*Viewer, error) {
	var store MarkStore = &MemoryMarkStore{}
	if !cfg.GuardDisabled {
		fs, err := NewFileMarkStore(cfg.MarksFile)
		if err != nil {
			return nil, err
		}
		store = fs
	}
	return NewViewer(
		New(cfg.APIURL),
		NewGuard(store, cfg.Window, cfg.GuardDisabled),
		NewConnector(cfg.LiveURL),
	), nil
}
