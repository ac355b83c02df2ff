package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ticker is the minimal scheduling surface the worker needs, so tests can
// inject a synthetic clock instead of waiting on a real time.Ticker.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

type tickerFactory func(time.Duration) ticker

// StartWorker runs f.RunOnce on a fixed interval until ctx is cancelled, and
// returns a function that stops the worker and waits for the in-flight pass
// (if any) to finish. The flusher is single-threaded with respect to itself:
// a pass is never started while the previous one is still running.
func StartWorker(ctx context.Context, logger *slog.Logger, f *Flusher, interval time.Duration) func() {
	return startWorkerWithTicker(ctx, logger, f, interval, func(d time.Duration) ticker {
		return timeTicker{t: time.NewTicker(d)}
	})
}

func startWorkerWithTicker(ctx context.Context, logger *slog.Logger, f *Flusher, interval time.Duration, newTicker tickerFactory) func() {
	if f == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	tk := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			tk.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-tk.C():
				if err := f.RunOnce(); err != nil && logger != nil {
					logger.Error("storage flush pass failed", "error", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
