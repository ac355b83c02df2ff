// Package config loads the daemon's configuration from flags with
// environment-variable fallbacks, following the teacher's firstNonEmpty /
// resolveDurationSetting flag-loading idiom.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"videodaemon/internal/auth"
	"videodaemon/internal/cache"
)

// Control holds the handshake channel's bind address and source-address
// allow-list.
type Control struct {
	Host      string
	Port      int
	Whitelist []string
}

// Ingest holds the datagram channel's bind address and per-feed ring size.
type Ingest struct {
	Host          string
	Port          int
	CacheSize     int
	LivenessMS    int
	FragmentLimit int
}

// Viewer holds the HTTP republishing server's bind address and worker pool
// size.
type Viewer struct {
	Host        string
	Port        int
	PoolSize    int
	IdleTimeout time.Duration
}

// Storage holds the disk-flusher's output directory and flush cadence.
type Storage struct {
	Dir           string
	FlushPeriodMS int
}

// Auth holds challenge-token generation and optional TTL/sweep settings.
type Auth struct {
	TokenAlphabet string
	TokenLength   int
	TokenTTL      time.Duration
}

// Observability holds ambient logging/metrics knobs.
type Observability struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// Audit holds the optional Postgres handshake-audit sink settings.
type Audit struct {
	PostgresDSN string
}

// RateLimit holds the optional Redis-backed distributed handshake limiter
// settings.
type RateLimit struct {
	HandshakeLimit  int
	HandshakeWindow time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisTimeout    time.Duration
}

// Config is the full daemon configuration, mirroring spec.md §6 plus the
// ambient and domain-stack knobs named in SPEC_FULL.md §10-§11.
type Config struct {
	Control       Control
	Ingest        Ingest
	Viewer        Viewer
	Storage       Storage
	Auth          Auth
	Observability Observability
	Audit         Audit
	RateLimit     RateLimit
}

const envPrefix = "VIDEODAEMON_"

// Load parses command-line flags (and falls back to VIDEODAEMON_* environment
// variables) into a Config. It parses args with its own flag.FlagSet and
// never touches the global flag.CommandLine.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("videodaemon", flag.ContinueOnError)

	controlHost := fs.String("control-host", "", "control channel bind host")
	controlPort := fs.Int("control-port", 0, "control channel bind port")
	controlWhitelist := fs.String("control-whitelist", "", "comma separated list of permitted control-channel source addresses")

	ingestHost := fs.String("ingest-host", "", "ingest channel bind host")
	ingestPort := fs.Int("ingest-port", 0, "ingest channel bind port")
	ingestCacheSize := fs.Int("ingest-cache-size", 0, "per-feed ring capacity in frames")
	ingestLivenessMS := fs.Int("ingest-liveness-window-ms", 0, "milliseconds of inactivity before a feed is declared timed out")
	ingestFragmentLimit := fs.Int("ingest-fragment-buffer-limit", 0, "maximum concurrently open fragment buffers per feed")

	viewerHost := fs.String("viewer-host", "", "viewer HTTP server bind host")
	viewerPort := fs.Int("viewer-port", 0, "viewer HTTP server bind port")
	viewerPoolSize := fs.Int("viewer-pool-size", 0, "bounded worker pool size for viewer polling loops")
	viewerIdleTimeoutMS := fs.Int("viewer-idle-timeout-ms", 0, "milliseconds without delivering a frame before a viewer is disconnected")

	storageDir := fs.String("storage-dir", "", "directory video files are flushed to")
	storageFlushPeriodMS := fs.Int("storage-flush-period-ms", 0, "milliseconds between Storage Flusher passes")

	tokenAlphabet := fs.String("auth-token-alphabet", "", "alphabet challenge tokens are drawn from")
	tokenLength := fs.Int("auth-token-length", 0, "challenge token length")
	tokenTTL := fs.Duration("auth-token-ttl", 0, "optional challenge token TTL (0 disables expiry)")

	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	metricsAddr := fs.String("metrics-addr", "", "bind address for the /metrics, /healthz, /readyz endpoints")

	auditDSN := fs.String("audit-postgres-dsn", "", "Postgres DSN for the handshake audit trail (disabled when empty)")

	handshakeLimit := fs.Int("control-handshake-limit", 0, "maximum handshakes per window for a single source address")
	handshakeWindow := fs.Duration("control-handshake-window", 0, "window for counting handshakes")
	rateRedisAddr := fs.String("control-redis-addr", "", "Redis address for distributed handshake throttling")
	rateRedisPassword := fs.String("control-redis-password", "", "Redis password for distributed handshake throttling")
	rateRedisTimeout := fs.Duration("control-redis-timeout", 0, "timeout for Redis operations")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Control: Control{
			Host:      firstNonEmpty(*controlHost, os.Getenv(envPrefix+"CONTROL_HOST"), "0.0.0.0"),
			Port:      resolveInt(*controlPort, envPrefix+"CONTROL_PORT", 9100),
			Whitelist: splitAndTrim(firstNonEmpty(*controlWhitelist, os.Getenv(envPrefix+"CONTROL_WHITELIST"))),
		},
		Ingest: Ingest{
			Host:          firstNonEmpty(*ingestHost, os.Getenv(envPrefix+"INGEST_HOST"), "0.0.0.0"),
			Port:          resolveInt(*ingestPort, envPrefix+"INGEST_PORT", 9200),
			CacheSize:     resolveInt(*ingestCacheSize, envPrefix+"INGEST_CACHE_SIZE", 150),
			LivenessMS:    resolveInt(*ingestLivenessMS, envPrefix+"INGEST_LIVENESS_WINDOW_MS", 10_000),
			FragmentLimit: resolveInt(*ingestFragmentLimit, envPrefix+"INGEST_FRAGMENT_BUFFER_LIMIT", cache.DefaultFragmentBufferLimit),
		},
		Viewer: Viewer{
			Host:        firstNonEmpty(*viewerHost, os.Getenv(envPrefix+"VIEWER_HOST"), "0.0.0.0"),
			Port:        resolveInt(*viewerPort, envPrefix+"VIEWER_PORT", 9300),
			PoolSize:    resolveInt(*viewerPoolSize, envPrefix+"VIEWER_POOL_SIZE", 50),
			IdleTimeout: resolveDuration(durationFromMS(*viewerIdleTimeoutMS), envPrefix+"VIEWER_IDLE_TIMEOUT_MS", 10*time.Second),
		},
		Storage: Storage{
			Dir:           firstNonEmpty(*storageDir, os.Getenv(envPrefix+"STORAGE_DIR"), "data/recordings"),
			FlushPeriodMS: resolveInt(*storageFlushPeriodMS, envPrefix+"STORAGE_FLUSH_PERIOD_MS", 1000),
		},
		Auth: Auth{
			TokenAlphabet: firstNonEmpty(*tokenAlphabet, os.Getenv(envPrefix+"AUTH_TOKEN_ALPHABET"), auth.DefaultAlphabet),
			TokenLength:   resolveInt(*tokenLength, envPrefix+"AUTH_TOKEN_LENGTH", auth.DefaultTokenLength),
			TokenTTL:      resolveDuration(*tokenTTL, envPrefix+"AUTH_TOKEN_TTL", 0),
		},
		Observability: Observability{
			LogLevel:    firstNonEmpty(*logLevel, os.Getenv(envPrefix+"LOG_LEVEL"), "info"),
			LogFormat:   firstNonEmpty(*logFormat, os.Getenv(envPrefix+"LOG_FORMAT"), "json"),
			MetricsAddr: firstNonEmpty(*metricsAddr, os.Getenv(envPrefix+"METRICS_ADDR")),
		},
		Audit: Audit{
			PostgresDSN: firstNonEmpty(*auditDSN, os.Getenv(envPrefix+"AUDIT_POSTGRES_DSN")),
		},
		RateLimit: RateLimit{
			HandshakeLimit:  resolveInt(*handshakeLimit, envPrefix+"CONTROL_HANDSHAKE_LIMIT", 5),
			HandshakeWindow: resolveDuration(*handshakeWindow, envPrefix+"CONTROL_HANDSHAKE_WINDOW", time.Minute),
			RedisAddr:       firstNonEmpty(*rateRedisAddr, os.Getenv(envPrefix+"CONTROL_REDIS_ADDR")),
			RedisPassword:   firstNonEmpty(*rateRedisPassword, os.Getenv(envPrefix+"CONTROL_REDIS_PASSWORD")),
			RedisTimeout:    resolveDuration(*rateRedisTimeout, envPrefix+"CONTROL_REDIS_TIMEOUT", 2*time.Second),
		},
	}

	if len(cfg.Control.Whitelist) == 0 {
		return Config{}, fmt.Errorf("control.whitelist must name at least one permitted source address")
	}
	return cfg, nil
}

func durationFromMS(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func resolveInt(flagValue int, envKey string, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return v
		}
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if v, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return v
		}
	}
	return fallback
}
