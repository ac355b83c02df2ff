// Command server starts the videodaemon live-video distribution daemon: the
// Control Server, Ingest Server, Viewer Server, and Storage Flusher, wired
// together against one Authenticator and one Feed Cache Registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"videodaemon/internal/auth"
	"videodaemon/internal/cache"
	"videodaemon/internal/config"
	"videodaemon/internal/control"
	"videodaemon/internal/ingest"
	"videodaemon/internal/observability/health"
	"videodaemon/internal/observability/logging"
	"videodaemon/internal/observability/metrics"
	"videodaemon/internal/registry"
	"videodaemon/internal/serverutil"
	"videodaemon/internal/storage"
	"videodaemon/internal/storage/audit"
	"videodaemon/internal/viewer"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Init(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})

	recorder := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditLog, err := audit.Open(ctx, cfg.Audit.PostgresDSN,
		audit.WithTimeout(5*time.Second),
		audit.WithPoolLimits(4, 0),
	)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if auditLog != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := auditLog.Close(closeCtx); err != nil {
				logger.Error("audit log close failed", "error", err)
			}
		}()
	}

	authenticator, err := auth.New(auth.Config{
		Alphabet:    cfg.Auth.TokenAlphabet,
		TokenLength: cfg.Auth.TokenLength,
		TTL:         cfg.Auth.TokenTTL,
	}, logging.WithComponent(logger, "auth"))
	if err != nil {
		return fmt.Errorf("construct authenticator: %w", err)
	}

	drain := newDrainTracker()
	authenticator.SetDrainPredicate(drain.isDrained)

	reg := registry.New(buildCacheFactory(cfg, logging.WithComponent(logger, "cache"), newCacheObserver(recorder)))

	authenticator.OnEvicted(func(client *auth.Client) {
		reg.RemoveByClientID(client.ID)
		drain.forget(client.ID)
		logger.Info("client evicted", "client_id", client.ID, "identifier", client.Identifier)
	})

	controlServer := control.New(control.Config{
		ListenAddr: fmt.Sprintf("%s:%d", cfg.Control.Host, cfg.Control.Port),
		Whitelist:  cfg.Control.Whitelist,
		IngestHost: cfg.Ingest.Host,
		IngestPort: cfg.Ingest.Port,
		RateLimit: control.RateLimitConfig{
			Limit:        cfg.RateLimit.HandshakeLimit,
			Window:       cfg.RateLimit.HandshakeWindow,
			RedisAddr:    cfg.RateLimit.RedisAddr,
			RedisPass:    cfg.RateLimit.RedisPassword,
			RedisTimeout: cfg.RateLimit.RedisTimeout,
		},
	}, authenticator, logging.WithComponent(logger, "control"), recorder)

	ingestServer := ingest.New(ingest.Config{
		ListenAddr: fmt.Sprintf("%s:%d", cfg.Ingest.Host, cfg.Ingest.Port),
	}, authenticator, reg, logging.WithComponent(logger, "ingest"), recorder)

	healthChecker := &health.Checker{ActiveFeeds: reg.Len}
	if auditLog != nil {
		healthChecker.Dependencies = map[string]health.Pinger{"audit": auditLog}
	}

	viewerServer := viewer.New(viewer.Config{
		ListenAddr:     fmt.Sprintf("%s:%d", cfg.Viewer.Host, cfg.Viewer.Port),
		PoolSize:       cfg.Viewer.PoolSize,
		IdleTimeout:    cfg.Viewer.IdleTimeout,
		HealthChecker:  healthChecker,
		MetricsHandler: recorder.Handler(),
	}, reg, logging.WithComponent(logger, "viewer"), recorder)

	flusher := storage.New(reg, storage.FileSinkFactory(cfg.Storage.Dir, "jpgseq"), logging.WithComponent(logger, "storage"), recorder)
	flusher.OnClosed(func(clientID string) {
		// §3: a client is evicted as soon as its stream is timed out AND its
		// Storage Flusher has drained its cache — this fires unconditionally,
		// independent of whether a token TTL is configured.
		drain.mark(clientID)
		if !authenticator.EvictByClientID(clientID) {
			logger.Info("client storage drained but no longer registered", "client_id", clientID)
		}
	})

	// A separate admin port is optional: operators who keep the Viewer
	// Server's public port open to untrusted clients can still expose
	// /metrics and /readyz on an internal-only address.
	var adminServer *http.Server
	if cfg.Observability.MetricsAddr != "" {
		adminServer = newAdminServer(cfg.Observability.MetricsAddr, recorder, healthChecker)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if err := controlServer.Start(); err != nil {
		return fmt.Errorf("start control server: %w", err)
	}
	if err := ingestServer.Start(); err != nil {
		return fmt.Errorf("start ingest server: %w", err)
	}
	if err := viewerServer.Start(); err != nil {
		return fmt.Errorf("start viewer server: %w", err)
	}

	stopFlushWorker := storage.StartWorker(groupCtx, logging.WithComponent(logger, "storage"), flusher, durationFromMS(cfg.Storage.FlushPeriodMS))
	stopPurgeWorker := startSessionPurgeWorker(groupCtx, logging.WithComponent(logger, "auth"), authenticator, cfg.Auth.TokenTTL)

	if adminServer != nil {
		group.Go(func() error {
			return serverutil.Run(groupCtx, serverutil.Config{Server: adminServer, ShutdownTimeout: 5 * time.Second})
		})
	}

	logger.Info("videodaemon started",
		"control_addr", fmt.Sprintf("%s:%d", cfg.Control.Host, cfg.Control.Port),
		"ingest_addr", fmt.Sprintf("%s:%d", cfg.Ingest.Host, cfg.Ingest.Port),
		"viewer_addr", viewerServer.Addr(),
	)

	<-groupCtx.Done()
	logger.Info("shutting down")

	stopFlushWorker()
	stopPurgeWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var shutdownErr error
	if err := controlServer.Stop(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("stop control server: %w", err))
	}
	if err := ingestServer.Stop(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("stop ingest server: %w", err))
	}
	if err := viewerServer.Stop(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("stop viewer server: %w", err))
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		shutdownErr = errors.Join(shutdownErr, err)
	}

	return shutdownErr
}

func durationFromMS(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// buildCacheFactory adapts the registry's CacheFactory hook to the Ingest
// Server's per-feed cache.Config, pulled from the daemon's static config.
func buildCacheFactory(cfg config.Config, logger *slog.Logger, observer cache.Observer) registry.CacheFactory {
	return func(client *auth.Client) *cache.Cache {
		return cache.New(client.ID, client.Identifier, cache.Config{
			Capacity:            cfg.Ingest.CacheSize,
			FragmentBufferLimit: cfg.Ingest.FragmentLimit,
			LivenessWindow:      durationFromMS(cfg.Ingest.LivenessMS),
		}, logger, observer)
	}
}

// cacheObserver adapts *metrics.Recorder's naming to the cache.Observer
// contract, the one place those two vocabularies meet.
type cacheObserver struct {
	recorder *metrics.Recorder
}

func newCacheObserver(recorder *metrics.Recorder) *cacheObserver {
	return &cacheObserver{recorder: recorder}
}

func (o *cacheObserver) FrameCached(stream string)  { o.recorder.ObserveFrameCached(stream) }
func (o *cacheObserver) FrameEvicted(stream string) { o.recorder.ObserveFrameEvicted(stream) }
func (o *cacheObserver) FragmentDropped(stream, reason string) {
	o.recorder.ObserveFragmentDrop(reason)
}
func (o *cacheObserver) FramerateUpdated(stream string, fps float64) {
	o.recorder.SetFramerate(stream, fps)
}

// drainTracker records which clients the Storage Flusher has fully drained,
// backing the Authenticator's drain predicate without giving the
// Authenticator a dependency on the storage package.
type drainTracker struct {
	mu      sync.Mutex
	drained map[string]struct{}
}

func newDrainTracker() *drainTracker {
	return &drainTracker{drained: make(map[string]struct{})}
}

func (d *drainTracker) mark(clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drained[clientID] = struct{}{}
}

func (d *drainTracker) forget(clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.drained, clientID)
}

func (d *drainTracker) isDrained(clientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.drained[clientID]
	return ok
}

// newAdminServer builds an internal-only /metrics, /healthz, /readyz HTTP
// server mirroring the same endpoints the Viewer Server already exposes
// publicly, for operators who want them on a separate, firewalled address.
func newAdminServer(addr string, recorder *metrics.Recorder, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/healthz", health.HealthzHandler())
	mux.Handle("/readyz", checker.ReadyzHandler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
