package cache

import (
	"bytes"
	"testing"
	"time"
)

func jpeg(payload string) []byte {
	return append([]byte(payload), 0xFF, 0xD9)
}

func newTestCache(capacity, fragLimit int, clock *fakeClock) *Cache {
	return New("client-1", "TEST_STREAM", Config{
		Capacity:            capacity,
		FragmentBufferLimit: fragLimit,
		LivenessWindow:      10 * time.Second,
		Now:                 clock.Now,
	}, nil, nil)
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSingleDatagramFrame(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := newTestCache(8, 16, clock)

	payload := jpeg("hello")
	if err := c.SubmitFragment(0, 1, 0, payload); err != nil {
		t.Fatalf("SubmitFragment returned error: %v", err)
	}

	frame, ok := c.GetAfter(-1)
	if !ok {
		t.Fatal("expected a frame after -1")
	}
	if frame.Sequence != 0 {
		t.Fatalf("expected sequence 0, got %d", frame.Sequence)
	}
	if !bytes.Equal(frame.Bytes, payload) {
		t.Fatalf("expected frame bytes %q, got %q", payload, frame.Bytes)
	}
}

func TestFragmentReassemblyInAnyPermutation(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := newTestCache(8, 16, clock)

	full := bytes.Repeat([]byte{0xAB}, 9000)
	full = append(full[:len(full)-2], 0xFF, 0xD9)
	fragments := [][]byte{full[0:3000], full[3000:6000], full[6000:9000]}

	order := []int{2, 0, 1}
	for _, idx := range order {
		if err := c.SubmitFragment(7, 3, idx, fragments[idx]); err != nil {
			t.Fatalf("SubmitFragment(%d) returned error: %v", idx, err)
		}
	}

	frame, ok := c.GetAfter(6)
	if !ok {
		t.Fatal("expected frame with sequence 7")
	}
	if frame.Sequence != 7 {
		t.Fatalf("expected sequence 7, got %d", frame.Sequence)
	}
	if !bytes.Equal(frame.Bytes, full) {
		t.Fatal("reassembled frame does not match original bytes in ascending index order")
	}
}

func TestLostFragmentNeverEmitsTruncatedFrame(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := newTestCache(8, 16, clock)

	if err := c.SubmitFragment(8, 3, 0, []byte("a")); err != nil {
		t.Fatalf("SubmitFragment returned error: %v", err)
	}
	if err := c.SubmitFragment(8, 3, 2, []byte("c")); err != nil {
		t.Fatalf("SubmitFragment returned error: %v", err)
	}
	// fragment index 1 never arrives.

	if _, ok := c.GetAfter(7); ok {
		t.Fatal("expected no frame to be emitted for an incomplete sequence")
	}

	if err := c.SubmitFragment(9, 1, 0, jpeg("next")); err != nil {
		t.Fatalf("SubmitFragment returned error: %v", err)
	}
	frame, ok := c.GetAfter(7)
	if !ok {
		t.Fatal("expected sequence 9 to be delivered normally")
	}
	if frame.Sequence != 9 {
		t.Fatalf("expected sequence 9, got %d", frame.Sequence)
	}
}

func TestRingEvictsOldestWhenFull(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := newTestCache(3, 16, clock)

	for seq := int64(0); seq <= 4; seq++ {
		if err := c.SubmitFragment(seq, 1, 0, jpeg("frame")); err != nil {
			t.Fatalf("SubmitFragment(%d) returned error: %v", seq, err)
		}
		clock.Advance(10 * time.Millisecond)
	}

	frame, ok := c.GetAfter(-1)
	if !ok {
		t.Fatal("expected a frame")
	}
	if frame.Sequence != 2 {
		t.Fatalf("expected oldest retained sequence 2, got %d", frame.Sequence)
	}
	if stats := c.Stats(); stats.RingLength != 3 {
		t.Fatalf("expected ring length 3, got %d", stats.RingLength)
	}
}

func TestBoundedFragmentBufferEvictsLowestSequence(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := newTestCache(8, 2, clock)

	if err := c.SubmitFragment(1, 2, 0, []byte("a")); err != nil {
		t.Fatalf("SubmitFragment returned error: %v", err)
	}
	if err := c.SubmitFragment(2, 2, 0, []byte("b")); err != nil {
		t.Fatalf("SubmitFragment returned error: %v", err)
	}
	// A third incomplete sequence should evict sequence 1 (the lowest).
	if err := c.SubmitFragment(3, 2, 0, []byte("c")); err != nil {
		t.Fatalf("SubmitFragment returned error: %v", err)
	}
	if stats := c.Stats(); stats.FragmentBuffers != 2 {
		t.Fatalf("expected at most 2 open fragment buffers, got %d", stats.FragmentBuffers)
	}

	// Completing sequence 1 now starts a brand new buffer rather than
	// resuming the evicted one, so it should never emit.
	if err := c.SubmitFragment(1, 2, 1, []byte("a2")); err != nil {
		t.Fatalf("SubmitFragment returned error: %v", err)
	}
	if _, ok := c.GetAfter(0); ok {
		t.Fatal("expected evicted sequence 1 to never complete")
	}
}

func TestMonotoneDeliveryAcrossCalls(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := newTestCache(8, 16, clock)

	lastSequence := int64(-1)
	for seq := int64(0); seq < 5; seq++ {
		if err := c.SubmitFragment(seq, 1, 0, jpeg("f")); err != nil {
			t.Fatalf("SubmitFragment(%d) returned error: %v", seq, err)
		}
		clock.Advance(5 * time.Millisecond)
		frame, ok := c.GetAfter(lastSequence)
		if !ok {
			t.Fatalf("expected a frame after %d", lastSequence)
		}
		if frame.Sequence <= lastSequence {
			t.Fatalf("expected strictly increasing sequence, got %d after %d", frame.Sequence, lastSequence)
		}
		lastSequence = frame.Sequence
	}
}

func TestLivenessBecomesTimedOutAfterWindow(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := newTestCache(8, 16, clock)

	if c.TimedOut() {
		t.Fatal("expected a cache with no frames yet to not be timed out")
	}

	if err := c.SubmitFragment(0, 1, 0, jpeg("f")); err != nil {
		t.Fatalf("SubmitFragment returned error: %v", err)
	}
	if c.TimedOut() {
		t.Fatal("expected cache to be live immediately after a frame")
	}

	clock.Advance(11 * time.Second)
	if !c.TimedOut() {
		t.Fatal("expected cache to report timed out after the liveness window elapses")
	}
}

func TestFramerateEstimateStaysPositiveAndAdapts(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := newTestCache(8, 16, clock)

	if got := c.Framerate(); got <= 0 {
		t.Fatalf("expected a strictly positive seeded framerate, got %f", got)
	}

	for seq := int64(0); seq < 10; seq++ {
		if err := c.SubmitFragment(seq, 1, 0, jpeg("f")); err != nil {
			t.Fatalf("SubmitFragment(%d) returned error: %v", seq, err)
		}
		clock.Advance(100 * time.Millisecond)
	}
	if got := c.Framerate(); got <= 0 {
		t.Fatalf("expected framerate to remain strictly positive, got %f", got)
	}
}

func TestFragmentTotalMismatchIsRejected(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := newTestCache(8, 16, clock)

	if err := c.SubmitFragment(0, 2, 0, []byte("a")); err != nil {
		t.Fatalf("SubmitFragment returned error: %v", err)
	}
	if err := c.SubmitFragment(0, 3, 1, []byte("b")); err != ErrFragmentTotalMismatch {
		t.Fatalf("expected ErrFragmentTotalMismatch, got %v", err)
	}
}
