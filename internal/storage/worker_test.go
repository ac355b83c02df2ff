package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"videodaemon/internal/cache"
)

type fakeTicker struct {
	ch chan time.Time
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               {}

func TestStartWorkerRunsFlusherOnEachTick(t *testing.T) {
	feed := cache.New("client-1", "TEST_STREAM", cache.Config{Capacity: 4}, nil, nil)
	if err := feed.SubmitFragment(0, 1, 0, []byte("frame")); err != nil {
		t.Fatalf("SubmitFragment: %v", err)
	}
	reg := &fakeRegistry{caches: map[string]*cache.Cache{"client-1": feed}}

	var runs int32
	sink := &memSink{}
	flusher := New(reg, func(identifier string, openedAt time.Time) (VideoSink, error) {
		atomic.AddInt32(&runs, 1)
		return sink, nil
	}, nil, nil)

	tick := &fakeTicker{ch: make(chan time.Time, 1)}
	var factoryMu sync.Mutex
	factoryCalls := 0
	newTicker := func(d time.Duration) ticker {
		factoryMu.Lock()
		factoryCalls++
		factoryMu.Unlock()
		return tick
	}

	stop := startWorkerWithTicker(context.Background(), nil, flusher, time.Second, newTicker)

	tick.ch <- time.Now()

	deadline := time.After(2 * time.Second)
	for {
		if atomic.LoadInt32(&runs) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for flush pass to run")
		case <-time.After(5 * time.Millisecond):
		}
	}

	stop()

	factoryMu.Lock()
	calls := factoryCalls
	factoryMu.Unlock()
	if calls != 1 {
		t.Fatalf("expected the ticker factory to be called exactly once, got %d", calls)
	}
}

func TestStartWorkerWithNilFlusherIsNoOp(t *testing.T) {
	stop := StartWorker(context.Background(), nil, nil, time.Second)
	stop() // must not panic or block
}

func TestStartWorkerStopIsIdempotent(t *testing.T) {
	feed := cache.New("client-1", "TEST_STREAM", cache.Config{Capacity: 4}, nil, nil)
	reg := &fakeRegistry{caches: map[string]*cache.Cache{"client-1": feed}}
	flusher := New(reg, func(identifier string, openedAt time.Time) (VideoSink, error) {
		return &memSink{}, nil
	}, nil, nil)

	tick := &fakeTicker{ch: make(chan time.Time, 1)}
	newTicker := func(d time.Duration) ticker { return tick }

	stop := startWorkerWithTicker(context.Background(), nil, flusher, time.Second, newTicker)
	stop()
	stop() // idempotent
}
