package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// envMap is a fake environment for load.
type envMap map[string]string

func (e envMap) lookup(k string) (string, bool) {
	v, ok := e[k]
	return v, ok
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(envMap{}.lookup)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "8080" || cfg.GinMode != "release" || cfg.APIBasePath != "/api/v1" {
		t.Fatalf("server defaults: %+v", cfg)
	}
	if cfg.ReadTimeout != 15*time.Second || cfg.WriteTimeout != 20*time.Second || cfg.MaxHeaderBytes != 1<<20 {
		t.Fatalf("timeouts: %+v", cfg)
	}
	if cfg.DBDriver != "sqlite" || cfg.DBPath != "views.db" || cfg.ViewStore != "sql" {
		t.Fatalf("store defaults: %+v", cfg)
	}
	want := ViewsConfig{Cooldown: 30 * time.Minute, CacheTTL: time.Minute, TrackingEnabled: true, StoreTimeout: 2 * time.Second}
	if cfg.Views != want {
		t.Fatalf("views=%+v; want %+v", cfg.Views, want)
	}
	if !cfg.Live.Enabled || cfg.Live.NATSURL != "" {
		t.Fatalf("live=%+v", cfg.Live)
	}
	if cfg.RateRPS != 5 || cfg.RateBurst != 10 || cfg.ReceiptTTL != 24*time.Hour {
		t.Fatalf("limits: %+v", cfg)
	}
	if cfg.CORS.AllowedOrigins != nil || cfg.Security.EnableHSTS || cfg.OTEL.Enabled || cfg.File != "" {
		t.Fatalf("optional features must default off: %+v", cfg)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	env := envMap{
		"PORT":                    "9000",
		"GIN_MODE":                "weird",
		"LOG_LEVEL":               "WARNING",
		"API_BASE_PATH":           "views/",
		"VIEW_STORE":              "Redis",
		"REDIS_URL":               "redis://cache:6379/0",
		"VIEW_COOLDOWN":           "900",
		"VIEW_CACHE_TTL":          "0s",
		"VIEW_TRACKING_ENABLED":   "off",
		"LIVE_ENABLED":            "no",
		"NATS_URL":                "nats://nats:4222",
		"RATE_RPS":                "0.5",
		"CORS_ALLOWED_ORIGINS":    " https://a.example , , https://b.example ",
		"OTEL_TRACES_SAMPLER_ARG": "0.25",
	}
	cfg, err := load(env.lookup)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "9000" || cfg.GinMode != "release" || cfg.LogLevel != "warn" || cfg.APIBasePath != "/views" {
		t.Fatalf("server: %+v", cfg)
	}
	if cfg.ViewStore != "redis" || cfg.RedisURL != "redis://cache:6379/0" {
		t.Fatalf("store: %+v", cfg)
	}
	if cfg.Views.Cooldown != 15*time.Minute || cfg.Views.CacheTTL != 0 || cfg.Views.TrackingEnabled {
		t.Fatalf("views: %+v", cfg.Views)
	}
	if cfg.Live.Enabled || cfg.Live.NATSURL != "nats://nats:4222" {
		t.Fatalf("live: %+v", cfg.Live)
	}
	if cfg.RateRPS != 0.5 || cfg.OTEL.SampleRatio != 0.25 {
		t.Fatalf("numbers: rps=%v ratio=%v", cfg.RateRPS, cfg.OTEL.SampleRatio)
	}
	if want := []string{"https://a.example", "https://b.example"}; !reflect.DeepEqual(cfg.CORS.AllowedOrigins, want) {
		t.Fatalf("origins=%v", cfg.CORS.AllowedOrigins)
	}
}

func TestLoad_MalformedValuesAreReportedTogether(t *testing.T) {
	env := envMap{
		"RATE_BURST":    "ten",
		"VIEW_COOLDOWN": "soon",
		"ENABLE_HSTS":   "maybe",
	}
	_, err := load(env.lookup)
	if err == nil {
		t.Fatalf("expected parse errors")
	}
	for _, k := range []string{"RATE_BURST", "VIEW_COOLDOWN", "ENABLE_HSTS"} {
		if !strings.Contains(err.Error(), k) {
			t.Fatalf("error %q does not name %s", err, k)
		}
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := map[string]envMap{
		"LOG_LEVEL":               {"LOG_LEVEL": "verbose"},
		"timeouts":                {"WRITE_TIMEOUT": "0s"},
		"MAX_HEADER_BYTES":        {"MAX_HEADER_BYTES": "0"},
		"DB_DRIVER":               {"DB_DRIVER": "mysql"},
		"DATABASE_URL":            {"DB_DRIVER": "postgres"},
		"VIEW_STORE":              {"VIEW_STORE": "memcached"},
		"REDIS_URL":               {"VIEW_STORE": "redis"},
		"VIEW_COOLDOWN":           {"VIEW_COOLDOWN": "-1m"},
		"VIEW_CACHE_TTL":          {"VIEW_CACHE_TTL": "-1s"},
		"STORE_TIMEOUT":           {"STORE_TIMEOUT": "0s"},
		"RATE_RPS":                {"RATE_RPS": "-1"},
		"RATE_BURST":              {"RATE_BURST": "0"},
		"HSTS_MAX_AGE":            {"HSTS_MAX_AGE": "-1h"},
		"RECEIPT_TTL":             {"RECEIPT_TTL": "0s"},
		"OTEL_TRACES_SAMPLER_ARG": {"OTEL_TRACES_SAMPLER_ARG": "1.5"},
	}
	for want, env := range cases {
		t.Run(want, func(t *testing.T) {
			_, err := load(env.lookup)
			if err == nil || !strings.Contains(err.Error(), want) {
				t.Fatalf("err=%v; want mention of %s", err, want)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg, err := load(envMap{}.lookup)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Port = ""
	cfg.RateBurst = 0
	cfg.ReceiptTTL = 0
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "PORT") || !strings.Contains(err.Error(), "RATE_BURST") || !strings.Contains(err.Error(), "RECEIPT_TTL") {
		t.Fatalf("err=%v", err)
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "views.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_YAMLFileUnderEnvironment(t *testing.T) {
	path := writeConfigFile(t, `
port: 7070
VIEW_STORE: redis
redis_url: redis://file:6379/1
view_cooldown: 10m
rate_rps: 2.5
live_enabled: false
cors_allowed_origins:
  - https://blog.example
  - https://www.blog.example
nats_url:
`)
	env := envMap{
		"CONFIG_FILE": path,
		"PORT":        "8081",
	}
	cfg, err := load(env.lookup)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.File != path {
		t.Fatalf("File=%q", cfg.File)
	}
	if cfg.Port != "8081" {
		t.Fatalf("environment must win over the file: port=%q", cfg.Port)
	}
	if cfg.ViewStore != "redis" || cfg.RedisURL != "redis://file:6379/1" {
		t.Fatalf("store from file: %+v", cfg)
	}
	if cfg.Views.Cooldown != 10*time.Minute || cfg.RateRPS != 2.5 || cfg.Live.Enabled {
		t.Fatalf("file values: cooldown=%v rps=%v live=%v", cfg.Views.Cooldown, cfg.RateRPS, cfg.Live.Enabled)
	}
	if want := []string{"https://blog.example", "https://www.blog.example"}; !reflect.DeepEqual(cfg.CORS.AllowedOrigins, want) {
		t.Fatalf("origins=%v", cfg.CORS.AllowedOrigins)
	}
}

func TestLoad_YAMLFileErrors(t *testing.T) {
	cases := map[string]string{
		"missing": filepath.Join(t.TempDir(), "nope.yaml"),
		"syntax":  writeConfigFile(t, "port: [unclosed"),
		"nested":  writeConfigFile(t, "views:\n  cooldown: 1m\n"),
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := load(envMap{"CONFIG_FILE": path}.lookup); err == nil {
				t.Fatalf("expected error for %s", path)
			}
		})
	}
}

func TestLoad_UsesProcessEnvironment(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "6060")
	t.Setenv("VIEW_TRACKING_ENABLED", "false")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "6060" || cfg.Views.TrackingEnabled {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestMustLoad_Panics(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("LOG_LEVEL", "verbose")
	defer func() {
		if recover() == nil {
			t.Fatalf("MustLoad should panic")
		}
	}()
	_ = MustLoad()
}

func TestNormalizeBasePath(t *testing.T) {
	cases := map[string]string{
		"":         "/",
		"/":        "/",
		" api ":    "/api",
		"/api/v1/": "/api/v1",
		"api/v1//": "/api/v1",
	}
	for in, want := range cases {
		if got := normalizeBasePath(in); got != want {
			t.Fatalf("normalizeBasePath(%q)=%q; want %q", in, got, want)
		}
	}
}
