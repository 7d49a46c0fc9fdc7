// Package config loads the server configuration. Values come from the
// environment, then from an optional YAML file named by CONFIG_FILE, then from
// built-in defaults. A malformed value is an error rather than a silent
// fallback.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string // CORS_ALLOWED_ORIGINS, empty allows any origin
}

// SecurityConfig controls HSTS.
type SecurityConfig struct {
	EnableHSTS bool          // ENABLE_HSTS
	HSTSMaxAge time.Duration // HSTS_MAX_AGE
}

// OTELConfig controls trace export.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT, host:port
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG, 0..1
}

// ViewsConfig tunes view counting.
type ViewsConfig struct {
	Cooldown        time.Duration // VIEW_COOLDOWN, 0 disables the server-side guard
	CacheTTL        time.Duration // VIEW_CACHE_TTL, 0 disables the read-through cache
	TrackingEnabled bool          // VIEW_TRACKING_ENABLED, false turns increments into no-ops
	StoreTimeout    time.Duration // STORE_TIMEOUT, per store call
}

// LiveConfig configures the live update channel.
type LiveConfig struct {
	Enabled bool   // LIVE_ENABLED
	NATSURL string // NATS_URL, empty keeps fan-out in-process
}

// Config is the server configuration.
type Config struct {
	Port              string        // PORT
	ReadTimeout       time.Duration // READ_TIMEOUT
	ReadHeaderTimeout time.Duration // READ_HEADER_TIMEOUT
	WriteTimeout      time.Duration // WRITE_TIMEOUT
	IdleTimeout       time.Duration // IDLE_TIMEOUT
	MaxHeaderBytes    int           // MAX_HEADER_BYTES
	GinMode           string        // GIN_MODE: debug, release or test

	LogLevel       string // LOG_LEVEL
	LogPretty      bool   // LOG_PRETTY
	SwaggerEnabled bool   // SWAGGER_ENABLED
	APIBasePath    string // API_BASE_PATH

	DBDriver    string // DB_DRIVER: sqlite or postgres
	DBPath      string // DB_PATH, sqlite only
	DatabaseURL string // DATABASE_URL, postgres only
	ViewStore   string // VIEW_STORE: sql or redis
	RedisURL    string // REDIS_URL

	Views ViewsConfig
	Live  LiveConfig

	RateRPS   float64 // RATE_RPS, increments per second per reader and slug
	RateBurst int     // RATE_BURST

	CORS     CORSConfig
	Security SecurityConfig

	ReceiptTTL time.Duration // RECEIPT_TTL, how long an Idempotency-Key replays

	OTEL OTELConfig

	// File is the YAML file the values were layered over, if any.
	File string
}

// MustLoad is Load for main packages that cannot start without a config.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load builds the configuration from the process environment.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(env func(string) (string, bool)) (Config, error) {
	src := &source{env: env}
	if path, ok := env("CONFIG_FILE"); ok && strings.TrimSpace(path) != "" {
		file, err := readYAML(strings.TrimSpace(path))
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	cfg := Config{
		Port:              src.str("PORT", "8080"),
		ReadTimeout:       src.dur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: src.dur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      src.dur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       src.dur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    src.integer("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(src.str("GIN_MODE", "release")),

		LogLevel:       strings.ToLower(src.str("LOG_LEVEL", "info")),
		LogPretty:      src.flag("LOG_PRETTY", false),
		SwaggerEnabled: src.flag("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(src.str("API_BASE_PATH", "/api/v1")),

		DBDriver:    strings.ToLower(src.str("DB_DRIVER", "sqlite")),
		DBPath:      src.str("DB_PATH", "views.db"),
		DatabaseURL: src.str("DATABASE_URL", ""),
		ViewStore:   strings.ToLower(src.str("VIEW_STORE", "sql")),
		RedisURL:    src.str("REDIS_URL", ""),

		Views: ViewsConfig{
			Cooldown:        src.dur("VIEW_COOLDOWN", 30*time.Minute),
			CacheTTL:        src.dur("VIEW_CACHE_TTL", 60*time.Second),
			TrackingEnabled: src.flag("VIEW_TRACKING_ENABLED", true),
			StoreTimeout:    src.dur("STORE_TIMEOUT", 2*time.Second),
		},
		Live: LiveConfig{
			Enabled: src.flag("LIVE_ENABLED", true),
			NATSURL: src.str("NATS_URL", ""),
		},

		RateRPS:   src.number("RATE_RPS", 5),
		RateBurst: src.integer("RATE_BURST", 10),

		CORS: CORSConfig{AllowedOrigins: splitCSV(src.str("CORS_ALLOWED_ORIGINS", ""))},
		Security: SecurityConfig{
			EnableHSTS: src.flag("ENABLE_HSTS", false),
			HSTSMaxAge: src.dur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		ReceiptTTL: src.dur("RECEIPT_TTL", 24*time.Hour),

		OTEL: OTELConfig{
			Enabled:     src.flag("OTEL_ENABLED", false),
			Endpoint:    src.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    src.flag("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: src.str("OTEL_SERVICE_NAME", "go-view-counter"),
			SampleRatio: src.number("OTEL_TRACES_SAMPLER_ARG", 1),
		},
	}
	if src.file != nil {
		cfg.File, _ = env("CONFIG_FILE")
	}
	if len(src.errs) > 0 {
		return cfg, errors.Join(src.errs...)
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(bad bool, msg string) {
		if bad {
			errs = append(errs, errors.New(msg))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		errs = append(errs, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic"))
	}
	check(strings.TrimSpace(c.Port) == "", "PORT must not be empty")
	check(c.ReadTimeout <= 0 || c.ReadHeaderTimeout <= 0 || c.WriteTimeout <= 0 || c.IdleTimeout <= 0,
		"timeouts must be positive durations")
	check(c.MaxHeaderBytes <= 0, "MAX_HEADER_BYTES must be > 0")

	switch c.DBDriver {
	case "sqlite":
		check(strings.TrimSpace(c.DBPath) == "", "DB_PATH must not be empty")
	case "postgres":
		check(strings.TrimSpace(c.DatabaseURL) == "", "DATABASE_URL is required when DB_DRIVER=postgres")
	default:
		errs = append(errs, errors.New("DB_DRIVER must be one of: sqlite, postgres"))
	}
	switch c.ViewStore {
	case "sql":
	case "redis":
		check(strings.TrimSpace(c.RedisURL) == "", "REDIS_URL is required when VIEW_STORE=redis")
	default:
		errs = append(errs, errors.New("VIEW_STORE must be one of: sql, redis"))
	}

	check(c.Views.Cooldown < 0, "VIEW_COOLDOWN must be >= 0")
	check(c.Views.CacheTTL < 0, "VIEW_CACHE_TTL must be >= 0")
	check(c.Views.StoreTimeout <= 0, "STORE_TIMEOUT must be > 0")
	check(c.RateRPS < 0, "RATE_RPS must be >= 0")
	check(c.RateBurst < 1, "RATE_BURST must be >= 1")
	check(c.Security.HSTSMaxAge < 0, "HSTS_MAX_AGE must be >= 0")
	check(c.ReceiptTTL <= 0, "RECEIPT_TTL must be > 0")
	check(c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]")

	return errors.Join(errs...)
}

// source resolves one key: environment first, then the file. Parse failures
// are collected so Load can report them together.
type source struct {
	env  func(string) (string, bool)
	file map[string]string
	errs []error
}

func (s *source) lookup(k string) (string, bool) {
	if v, ok := s.env(k); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	if v, ok := s.file[strings.ToLower(k)]; ok && v != "" {
		return v, true
	}
	return "", false
}

func (s *source) fail(k, v string, err error) {
	s.errs = append(s.errs, fmt.Errorf("%s=%q: %w", k, v, err))
}

func (s *source) str(k, def string) string {
	if v, ok := s.lookup(k); ok {
		return v
	}
	return def
}

// dur accepts Go durations and bare integers as seconds.
func (s *source) dur(k string, def time.Duration) time.Duration {
	v, ok := s.lookup(k)
	if !ok {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		s.fail(k, v, errors.New("not a duration"))
		return def
	}
	return time.Duration(n) * time.Second
}

func (s *source) integer(k string, def int) int {
	v, ok := s.lookup(k)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.fail(k, v, errors.New("not an integer"))
		return def
	}
	return n
}

func (s *source) number(k string, def float64) float64 {
	v, ok := s.lookup(k)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		s.fail(k, v, errors.New("not a number"))
		return def
	}
	return f
}

func (s *source) flag(k string, def bool) bool {
	v, ok := s.lookup(k)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	s.fail(k, v, errors.New("not a boolean"))
	return def
}

// readYAML loads a flat mapping of setting names to scalars. Keys match the
// environment names case-insensitively; a list is joined with commas.
func readYAML(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		key := strings.ToLower(strings.TrimSpace(k))
		switch val := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("config file %s: %s must be a scalar or a list", path, k)
		default:
			out[key] = strings.TrimSpace(fmt.Sprint(val))
		}
	}
	return out, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeBasePath returns p with one leading slash and no trailing slash;
// an empty path is "/".
func normalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	return "/" + p
}
