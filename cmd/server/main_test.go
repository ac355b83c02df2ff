package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"videodaemon/internal/auth"
	"videodaemon/internal/config"
	"videodaemon/internal/observability/health"
	"videodaemon/internal/observability/metrics"
)

func TestBuildCacheFactoryAppliesIngestConfig(t *testing.T) {
	cfg := config.Config{}
	cfg.Ingest.CacheSize = 5
	cfg.Ingest.FragmentLimit = 4
	cfg.Ingest.LivenessMS = 200

	factory := buildCacheFactory(cfg, nil, nil)
	client := &auth.Client{ID: "client-1", Identifier: "CAMERA_NORTH"}
	feed := factory(client)

	if feed.ClientID() != "client-1" || feed.Stream() != "CAMERA_NORTH" {
		t.Fatalf("expected feed bound to client-1/CAMERA_NORTH, got %s/%s", feed.ClientID(), feed.Stream())
	}
	if err := feed.SubmitFragment(0, 1, 0, []byte("frame")); err != nil {
		t.Fatalf("SubmitFragment: %v", err)
	}
}

func TestCacheObserverDelegatesToRecorder(t *testing.T) {
	recorder := metrics.New()
	observer := newCacheObserver(recorder)

	observer.FrameCached("CAMERA_NORTH")
	observer.FrameEvicted("CAMERA_NORTH")
	observer.FragmentDropped("CAMERA_NORTH", "eviction")
	observer.FramerateUpdated("CAMERA_NORTH", 30)

	// No panics and the recorder accepted every call; Write must not fail.
	var discard discardWriter
	recorder.Write(&discard)
	if discard.n == 0 {
		t.Fatal("expected metrics output after observing events")
	}
}

type discardWriter struct{ n int }

func (d *discardWriter) Write(p []byte) (int, error) {
	d.n += len(p)
	return len(p), nil
}

func TestDrainTrackerMarksAndForgets(t *testing.T) {
	tracker := newDrainTracker()
	if tracker.isDrained("client-1") {
		t.Fatal("expected client-1 to start undrained")
	}
	tracker.mark("client-1")
	if !tracker.isDrained("client-1") {
		t.Fatal("expected client-1 to be drained after mark")
	}
	tracker.forget("client-1")
	if tracker.isDrained("client-1") {
		t.Fatal("expected client-1 to be undrained after forget")
	}
}

func TestNewAdminServerServesMetricsAndHealth(t *testing.T) {
	recorder := metrics.New()
	checker := &health.Checker{ActiveFeeds: func() int { return 0 }}

	server := newAdminServer("127.0.0.1:0", recorder, checker)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /healthz to return 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /readyz to return 200 with no dependencies configured, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /metrics to return 200, got %d", rec.Code)
	}
}
