package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for the control,
// ingest, viewer, and storage subsystems. Counters coordinate through a
// RWMutex that every Observe* call takes briefly, including those on the
// ingest and viewer hot paths; the gauges (active tokens, active and
// rejected viewers) use atomics and take no lock.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration

	handshakeResults map[string]uint64
	datagramResults  map[string]uint64
	fragmentDrops    map[string]uint64
	framesCached     map[string]uint64
	framesEvicted    map[string]uint64
	framerateByFeed  map[string]float64
	flushWrites      map[string]uint64
	flushErrors      map[string]uint64

	tokensActive    atomic.Int64
	viewersActive   atomic.Int64
	viewersRejected atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialised backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		handshakeResults: make(map[string]uint64),
		datagramResults:  make(map[string]uint64),
		fragmentDrops:    make(map[string]uint64),
		framesCached:     make(map[string]uint64),
		framesEvicted:    make(map[string]uint64),
		framerateByFeed:  make(map[string]float64),
		flushWrites:      make(map[string]uint64),
		flushErrors:      make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder shared by packages that do not
// carry their own instrumentation handle.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault replaces the Recorder returned by Default.
func SetDefault(recorder *Recorder) { defaultRecorder = recorder }

// ObserveRequest records a request on the Recorder returned by Default.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Registry holds a Recorder that NewRegistry installed as the default.
type Registry struct{ Recorder *Recorder }

// NewRegistry constructs a Recorder and installs it as the default.
func NewRegistry() *Registry {
	SetDefault(New())
	return &Registry{Recorder: Default()}
}

// ObserveRequest accumulates request count and cumulative duration by
// method, normalised path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveHandshake records a control-channel handshake outcome, e.g. "ok",
// "rejected_whitelist", or "rejected_register".
func (r *Recorder) ObserveHandshake(result string) {
	r.incr(r.handshakeResults, result)
}

// SetTokensActive updates the gauge of currently live authenticated clients.
func (r *Recorder) SetTokensActive(n int) {
	r.tokensActive.Store(int64(n))
}

// TokensActive reports the current gauge value.
func (r *Recorder) TokensActive() int64 {
	return r.tokensActive.Load()
}

// ObserveDatagram records an ingest datagram outcome: "ok", "malformed", or
// "unknown_token".
func (r *Recorder) ObserveDatagram(result string) {
	r.incr(r.datagramResults, result)
}

// ObserveFragmentDrop records a reassembly failure keyed by reason:
// "eviction", "mismatch", or "timeout".
func (r *Recorder) ObserveFragmentDrop(reason string) {
	r.incr(r.fragmentDrops, reason)
}

// ObserveFrameCached records a completed frame landing in a feed's ring.
func (r *Recorder) ObserveFrameCached(feed string) {
	r.incr(r.framesCached, feed)
}

// ObserveFrameEvicted records a ring eviction for a feed.
func (r *Recorder) ObserveFrameEvicted(feed string) {
	r.incr(r.framesEvicted, feed)
}

// SetFramerate publishes the current framerate estimate for a feed.
func (r *Recorder) SetFramerate(feed string, fps float64) {
	normalized := normalizeName(feed)
	r.mu.Lock()
	r.framerateByFeed[normalized] = fps
	r.mu.Unlock()
}

// ViewerAttached increments the active viewer gauge.
func (r *Recorder) ViewerAttached() {
	r.viewersActive.Add(1)
}

// ViewerDetached decrements the active viewer gauge, floored at zero.
func (r *Recorder) ViewerDetached() {
	r.decrementGauge(&r.viewersActive)
}

// ViewerRejected records a viewer rejected by a saturated worker pool.
func (r *Recorder) ViewerRejected() {
	r.viewersRejected.Add(1)
}

// ActiveViewers reports the current viewer gauge.
func (r *Recorder) ActiveViewers() int64 {
	return r.viewersActive.Load()
}

// ObserveFlushWrite records a successful disk write for a feed.
func (r *Recorder) ObserveFlushWrite(feed string) {
	r.incr(r.flushWrites, feed)
}

// ObserveFlushError records a failed disk write for a feed.
func (r *Recorder) ObserveFlushError(feed string) {
	r.incr(r.flushErrors, feed)
}

func (r *Recorder) incr(target map[string]uint64, key string) {
	normalized := normalizeName(key)
	r.mu.Lock()
	target[normalized]++
	r.mu.Unlock()
}

// Reset clears all counters and gauges. Intended for test setup.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.handshakeResults = make(map[string]uint64)
	r.datagramResults = make(map[string]uint64)
	r.fragmentDrops = make(map[string]uint64)
	r.framesCached = make(map[string]uint64)
	r.framesEvicted = make(map[string]uint64)
	r.framerateByFeed = make(map[string]float64)
	r.flushWrites = make(map[string]uint64)
	r.flushErrors = make(map[string]uint64)
	r.tokensActive.Store(0)
	r.viewersActive.Store(0)
	r.viewersRejected.Store(0)
}

// Handler exposes the Recorder as a Prometheus text-exposition endpoint.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format with
// sorted label sets for stable scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintln(w, "# HELP videodaemon_http_requests_total Total viewer-server HTTP requests")
	fmt.Fprintln(w, "# TYPE videodaemon_http_requests_total counter")
	for _, label := range r.sortedRequestLabels() {
		fmt.Fprintf(w, "videodaemon_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n",
			label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP videodaemon_handshakes_total Control-channel handshakes by result")
	fmt.Fprintln(w, "# TYPE videodaemon_handshakes_total counter")
	for _, key := range sortedKeys(r.handshakeResults) {
		fmt.Fprintf(w, "videodaemon_handshakes_total{result=\"%s\"} %d\n", key, r.handshakeResults[key])
	}

	fmt.Fprintln(w, "# HELP videodaemon_tokens_active Currently live authenticated clients")
	fmt.Fprintln(w, "# TYPE videodaemon_tokens_active gauge")
	fmt.Fprintf(w, "videodaemon_tokens_active %d\n", r.tokensActive.Load())

	fmt.Fprintln(w, "# HELP videodaemon_datagrams_total Ingest datagrams by result")
	fmt.Fprintln(w, "# TYPE videodaemon_datagrams_total counter")
	for _, key := range sortedKeys(r.datagramResults) {
		fmt.Fprintf(w, "videodaemon_datagrams_total{result=\"%s\"} %d\n", key, r.datagramResults[key])
	}

	fmt.Fprintln(w, "# HELP videodaemon_fragments_dropped_total Fragment buffers dropped by reason")
	fmt.Fprintln(w, "# TYPE videodaemon_fragments_dropped_total counter")
	for _, key := range sortedKeys(r.fragmentDrops) {
		fmt.Fprintf(w, "videodaemon_fragments_dropped_total{reason=\"%s\"} %d\n", key, r.fragmentDrops[key])
	}

	fmt.Fprintln(w, "# HELP videodaemon_frames_cached_total Frames appended to a feed's ring")
	fmt.Fprintln(w, "# TYPE videodaemon_frames_cached_total counter")
	for _, key := range sortedKeys(r.framesCached) {
		fmt.Fprintf(w, "videodaemon_frames_cached_total{stream=\"%s\"} %d\n", key, r.framesCached[key])
	}

	fmt.Fprintln(w, "# HELP videodaemon_frames_evicted_total Frames evicted from a feed's ring")
	fmt.Fprintln(w, "# TYPE videodaemon_frames_evicted_total counter")
	for _, key := range sortedKeys(r.framesEvicted) {
		fmt.Fprintf(w, "videodaemon_frames_evicted_total{stream=\"%s\"} %d\n", key, r.framesEvicted[key])
	}

	fmt.Fprintln(w, "# HELP videodaemon_framerate_estimate Current estimated framerate for a feed")
	fmt.Fprintln(w, "# TYPE videodaemon_framerate_estimate gauge")
	for _, key := range sortedKeysFloat(r.framerateByFeed) {
		fmt.Fprintf(w, "videodaemon_framerate_estimate{stream=\"%s\"} %f\n", key, r.framerateByFeed[key])
	}

	fmt.Fprintln(w, "# HELP videodaemon_viewers_active Currently attached MJPEG viewers")
	fmt.Fprintln(w, "# TYPE videodaemon_viewers_active gauge")
	fmt.Fprintf(w, "videodaemon_viewers_active %d\n", r.viewersActive.Load())

	fmt.Fprintln(w, "# HELP videodaemon_viewers_rejected_total Viewers rejected by a saturated worker pool")
	fmt.Fprintln(w, "# TYPE videodaemon_viewers_rejected_total counter")
	fmt.Fprintf(w, "videodaemon_viewers_rejected_total %d\n", r.viewersRejected.Load())

	fmt.Fprintln(w, "# HELP videodaemon_flush_writes_total Frames appended to disk by the storage flusher")
	fmt.Fprintln(w, "# TYPE videodaemon_flush_writes_total counter")
	for _, key := range sortedKeys(r.flushWrites) {
		fmt.Fprintf(w, "videodaemon_flush_writes_total{stream=\"%s\"} %d\n", key, r.flushWrites[key])
	}

	fmt.Fprintln(w, "# HELP videodaemon_flush_errors_total Disk write failures observed by the storage flusher")
	fmt.Fprintln(w, "# TYPE videodaemon_flush_errors_total counter")
	for _, key := range sortedKeys(r.flushErrors) {
		fmt.Fprintf(w, "videodaemon_flush_errors_total{stream=\"%s\"} %d\n", key, r.flushErrors[key])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysFloat(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
