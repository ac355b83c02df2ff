// Package storage implements the Storage Flusher: a periodic task that
// drains newly-cached frames from every Frame Cache to a per-client video
// sink on disk, following the Unseen -> Active -> Draining -> Closed state
// machine in §4.7.
package storage

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"videodaemon/internal/cache"
)

type clientState int

const (
	stateActive clientState = iota
	stateDraining
	stateClosed
)

// Registry is the subset of *registry.Registry the flusher drains.
type Registry interface {
	Snapshot() map[string]*cache.Cache
}

// VideoSink receives frames for a single client's stream session, from first
// frame to timeout. Implementations must not be shared across clients.
type VideoSink interface {
	WriteFrame(frame cache.Frame) error
	Close() error
}

// SinkFactory opens a new VideoSink for a client the flusher has not seen
// before. identifier is the human-readable stream name used in the file
// name; openedAt is used to compute the timestamp component.
type SinkFactory func(identifier string, openedAt time.Time) (VideoSink, error)

// Metrics is the subset of *metrics.Recorder the flusher reports to.
type Metrics interface {
	ObserveFlushWrite(stream string)
	ObserveFlushError(stream string)
}

type clientBookkeeping struct {
	state               clientState
	lastFlushedSequence int64
	sink                VideoSink
	identifier          string
}

// Flusher periodically drains every Frame Cache in a Registry. It is
// single-threaded with respect to itself: RunOnce must not be invoked
// concurrently with another in-flight pass, but it runs concurrently with
// ingest and viewers, and only ever reads from Frame Caches.
type Flusher struct {
	registry    Registry
	newSink     SinkFactory
	logger      *slog.Logger
	metrics     Metrics
	now         func() time.Time

	mu      sync.Mutex
	clients map[string]*clientBookkeeping

	// onClosed is invoked (outside any lock) once a client transitions to
	// Closed, so the Authenticator's drain predicate can observe it.
	onClosed func(clientID string)
}

// New constructs a Flusher. newSink is called for a client on the first flush
// pass that finds a frame for it; a failed call is retried on the next pass.
func New(registry Registry, newSink SinkFactory, logger *slog.Logger, recorder Metrics) *Flusher {
	now := time.Now
	return &Flusher{
		registry: registry,
		newSink:  newSink,
		logger:   logger,
		metrics:  recorder,
		now:      now,
		clients:  make(map[string]*clientBookkeeping),
	}
}

// OnClosed registers a callback invoked once a client's sink has been
// closed and its bookkeeping forgotten — the point at which the
// Authenticator may safely evict the client.
func (f *Flusher) OnClosed(fn func(clientID string)) {
	f.onClosed = fn
}

// RunOnce performs a single flush pass over every currently registered Frame
// Cache. It never holds a cache's lock across a disk write.
func (f *Flusher) RunOnce() error {
	snapshot := f.registry.Snapshot()
	var firstErr error
	for clientID, feed := range snapshot {
		if err := f.flushOne(clientID, feed); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Flusher) flushOne(clientID string, feed *cache.Cache) error {
	f.mu.Lock()
	book, ok := f.clients[clientID]
	if !ok {
		book = &clientBookkeeping{state: stateActive, lastFlushedSequence: -1, identifier: feed.Stream()}
		f.clients[clientID] = book
	}
	f.mu.Unlock()

	frame, ok := feed.GetAfter(book.lastFlushedSequence)
	wrote := ok
	for ok {
		book.state = stateActive
		if book.sink == nil {
			sink, err := f.newSink(book.identifier, f.now())
			if err != nil {
				return fmt.Errorf("storage: open sink for %s: %w", book.identifier, err)
			}
			book.sink = sink
		}
		if err := book.sink.WriteFrame(frame); err != nil {
			if f.metrics != nil {
				f.metrics.ObserveFlushError(book.identifier)
			}
			if f.logger != nil {
				f.logger.Error("storage flush write failed", "client_id", clientID, "stream", book.identifier, "error", err)
			}
			return err
		}
		book.lastFlushedSequence = frame.Sequence
		if f.metrics != nil {
			f.metrics.ObserveFlushWrite(book.identifier)
		}
		frame, ok = feed.GetAfter(book.lastFlushedSequence)
	}
	if wrote {
		return nil
	}

	if !feed.TimedOut() {
		return nil
	}

	// No new frame and the feed has timed out: transition toward Draining,
	// then Closed on the pass where get_after still returns nothing.
	if book.state == stateActive {
		book.state = stateDraining
		return nil
	}

	if book.sink != nil {
		if err := book.sink.Close(); err != nil {
			if f.logger != nil {
				f.logger.Error("storage sink close failed", "client_id", clientID, "stream", book.identifier, "error", err)
			}
		}
		book.sink = nil
	}
	book.state = stateClosed

	f.mu.Lock()
	delete(f.clients, clientID)
	f.mu.Unlock()

	if f.onClosed != nil {
		f.onClosed(clientID)
	}
	return nil
}
