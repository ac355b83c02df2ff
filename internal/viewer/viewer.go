// Package viewer implements the HTTP republishing server: a stream index and
// a per-feed MJPEG endpoint backed by a bounded worker pool, so a slow or
// disconnected viewer never blocks the HTTP accept loop or other viewers.
package viewer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"videodaemon/internal/cache"
	"videodaemon/internal/observability/health"
	"videodaemon/internal/observability/logging"
	"videodaemon/internal/observability/metrics"
	"videodaemon/internal/serverutil"
)

const boundary = "frame"

// Registry is the subset of *registry.Registry the Viewer Server needs.
type Registry interface {
	LookupByIdentifier(identifier string) (*cache.Cache, error)
	Identifiers() []string
}

// Metrics is the subset of *metrics.Recorder the Viewer Server reports to.
type Metrics interface {
	ObserveRequest(method, path string, status int, duration time.Duration)
	ViewerAttached()
	ViewerDetached()
	ViewerRejected()
}

// Config configures the Viewer Server.
type Config struct {
	ListenAddr string
	// PoolSize bounds the number of concurrently polling viewer workers
	// (§5, §9). New viewers are rejected with 503 once the pool is saturated
	// rather than queued indefinitely.
	PoolSize int
	// IdleTimeout disconnects a viewer after this long without a new frame.
	IdleTimeout time.Duration
	// HealthChecker, when set, is probed by /readyz alongside the registry
	// size it already reports; /healthz is served unconditionally.
	HealthChecker *health.Checker
	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler
}

const (
	defaultPoolSize    = 50
	defaultIdleTimeout = 10 * time.Second
)

// Server is the HTTP MJPEG republishing server described in §4.6.
type Server struct {
	cfg         Config
	registry    Registry
	logger      *slog.Logger
	metrics     Metrics
	pool        *semaphore.Weighted
	idleTimeout time.Duration

	httpServer *http.Server
	cancel     context.CancelFunc
	done       chan error

	addrMu sync.Mutex
	addr   net.Addr
}

// New constructs an unstarted Viewer Server.
func New(cfg Config, reg Registry, logger *slog.Logger, recorder Metrics) *Server {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}

	s := &Server{
		cfg:         cfg,
		registry:    reg,
		logger:      logger,
		metrics:     recorder,
		pool:        semaphore.NewWeighted(int64(poolSize)),
		idleTimeout: idleTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/feed/", s.handleFeed)
	mux.Handle("/healthz", health.HealthzHandler())
	if cfg.HealthChecker != nil {
		mux.Handle("/readyz", cfg.HealthChecker.ReadyzHandler())
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("/metrics", cfg.MetricsHandler)
	}

	handler := s.metricsMiddleware(mux)
	handler = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background, using the same listen-then-signal
// run loop the teacher's HTTP API server uses for every bound port.
func (s *Server) Start() error {
	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	boundAddr := make(chan net.Addr, 1)
	done := make(chan error, 1)
	s.cancel = cancel
	s.done = done

	go func() {
		done <- serverutil.Run(runCtx, serverutil.Config{
			Server:          s.httpServer,
			ShutdownTimeout: 10 * time.Second,
			Ready:           ready,
			BoundAddr:       boundAddr,
		})
	}()

	select {
	case <-ready:
		select {
		case addr := <-boundAddr:
			s.addrMu.Lock()
			s.addr = addr
			s.addrMu.Unlock()
		default:
		}
		if s.logger != nil {
			s.logger.Info("viewer server listening", "addr", s.Addr())
		}
		return nil
	case err := <-done:
		cancel()
		return fmt.Errorf("viewer: %w", err)
	}
}

// Addr returns the server's bound address once Start has returned, or the
// configured listen address beforehand.
func (s *Server) Addr() string {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	if s.addr != nil {
		return s.addr.String()
	}
	return s.cfg.ListenAddr
}

// Stop gracefully shuts the server down: it stops accepting and waits, up to
// the shutdown timeout, for in-flight requests to return. Shutdown does not
// cancel their request contexts, so an MJPEG stream ends on its own (viewer
// disconnect, idle timeout or feed timeout) rather than being cut mid-write.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, r.URL.Path, rec.Status(), time.Since(start))
		}
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	ids := s.registry.Identifiers()
	sort.Strings(ids)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	identifier := strings.TrimPrefix(r.URL.Path, "/feed/")
	if identifier == "" {
		http.Error(w, "missing stream identifier", http.StatusBadRequest)
		return
	}

	feed, err := s.registry.LookupByIdentifier(identifier)
	if err != nil {
		http.Error(w, "unknown stream", http.StatusBadRequest)
		return
	}

	if !s.pool.TryAcquire(1) {
		if s.metrics != nil {
			s.metrics.ViewerRejected()
		}
		http.Error(w, "viewer pool saturated", http.StatusServiceUnavailable)
		return
	}
	defer s.pool.Release(1)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", boundary))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.metrics != nil {
		s.metrics.ViewerAttached()
		defer s.metrics.ViewerDetached()
	}

	start := time.Now()
	if s.logger != nil {
		s.logger.Info("stream started", "identifier", identifier, "remote_addr", r.RemoteAddr)
	}

	s.streamLoop(r.Context(), w, flusher, feed)

	if s.logger != nil {
		s.logger.Info("stream ended", "identifier", identifier, "remote_addr", r.RemoteAddr, "duration_ms", time.Since(start).Milliseconds())
	}
}

// streamLoop is the per-viewer polling worker described in §4.6. It holds no
// lock across the sleep or the write; it exits promptly on disconnect or on
// its own idle timeout without touching the cache again.
func (s *Server) streamLoop(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, feed *cache.Cache) {
	lastSequence := int64(-1)
	lastProgress := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		interval := time.Duration(float64(time.Second) / feed.Framerate())
		if interval <= 0 {
			interval = 33 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if feed.TimedOut() {
			return
		}

		frame, ok := feed.GetAfter(lastSequence)
		if !ok {
			if time.Since(lastProgress) > s.idleTimeout {
				return
			}
			continue
		}

		if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", boundary); err != nil {
			return
		}
		if _, err := w.Write(frame.Bytes); err != nil {
			return
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()

		lastSequence = frame.Sequence
		lastProgress = time.Now()
	}
}
