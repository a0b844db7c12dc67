package ratelimit

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	coreerrors "github.com/go-core-stack/throttle/errors"
	"github.com/go-core-stack/throttle/stats"
)

func TestManagerNewLimiter(t *testing.T) {
	mgr, err := NewManager(100000, 10*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("unexpected error creating manager: %v", err)
	}
	defer mgr.Close()

	lim, err := mgr.NewLimiter("worker", 10000)
	if err != nil {
		t.Fatalf("unexpected error creating limiter: %v", err)
	}
	if lim.mgr != mgr {
		t.Fatalf("limiter manager mismatch: got %p want %p", lim.mgr, mgr)
	}
	if lim.key != "worker" {
		t.Fatalf("limiter key mismatch: got %q want %q", lim.key, "worker")
	}
	if lim.rate != 10000 {
		t.Fatalf("limiter rate mismatch: got %d want %d", lim.rate, 10000)
	}
	if got := lim.SingleBurstBytes(); got != 100 {
		t.Fatalf("initial burst incorrect: got %d want %d", got, 100)
	}

	_, err = mgr.NewLimiter("worker", 10000)
	if err == nil {
		t.Fatalf("expected duplicate limiter creation to fail")
	}
	if !coreerrors.IsAlreadyExists(err) {
		t.Fatalf("expected AlreadyExists error, got %v", err)
	}

	_, err = mgr.NewLimiter("broken", 0)
	if !coreerrors.IsInvalidConfiguration(err) {
		t.Fatalf("expected InvalidConfiguration error, got %v", err)
	}
}

func TestManagerNewValidation(t *testing.T) {
	if _, err := NewManager(0, 10*time.Millisecond, 10); !coreerrors.IsInvalidConfiguration(err) {
		t.Fatalf("expected InvalidConfiguration for zero budget, got %v", err)
	}
	if _, err := NewManager(1000, 0, 10); !coreerrors.IsInvalidConfiguration(err) {
		t.Fatalf("expected InvalidConfiguration for zero period, got %v", err)
	}
	if _, err := NewManager(1000, 10*time.Millisecond, 200); !coreerrors.IsInvalidConfiguration(err) {
		t.Fatalf("expected InvalidConfiguration for fairness above scale, got %v", err)
	}
	if _, err := NewManager(1000, 500*time.Nanosecond, 10); !coreerrors.IsInvalidConfiguration(err) {
		t.Fatalf("expected InvalidConfiguration for sub-microsecond period, got %v", err)
	}
}

// TestManagerUpdateInUseRedistributes ensures headroom is shared in
// proportion to nominal rates and that limits reset when a limiter
// leaves the active set.
func TestManagerUpdateInUseRedistributes(t *testing.T) {
	mgr, err := NewManager(100000, 10*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("unexpected error creating manager: %v", err)
	}
	defer mgr.Close()

	l1, err := mgr.NewLimiter("alpha", 30000)
	if err != nil {
		t.Fatalf("unexpected error creating limiter: %v", err)
	}
	l2, err := mgr.NewLimiter("beta", 40000)
	if err != nil {
		t.Fatalf("unexpected error creating limiter: %v", err)
	}

	l1.SetInUse(true)
	l2.SetInUse(true)

	if got := len(mgr.inUse); got != 2 {
		t.Fatalf("expected 2 active limiters, got %d", got)
	}
	if got := l1.limiter.Rate(); got < 30000 {
		t.Fatalf("unexpected rate for alpha: got %d want more than %d", got, 30000)
	}
	if got := l2.limiter.Rate(); got < 40000 {
		t.Fatalf("unexpected rate for beta: got %d want more than %d", got, 40000)
	}

	l1.SetInUse(false)

	if got := len(mgr.inUse); got != 1 {
		t.Fatalf("expected 1 active limiter after release, got %d", got)
	}
	if got := l1.limiter.Rate(); got != l1.rate {
		t.Fatalf("released limiter should reset to base rate: got %d want %d", got, l1.rate)
	}
	if got := l2.limiter.Rate(); got != 100000 {
		t.Fatalf("remaining limiter should consume full capacity: got %d want %d", got, 100000)
	}
}

// TestManagerSingleLimiterRelease verifies a single active limiter can
// claim the full budget and returns to its base rate after release.
func TestManagerSingleLimiterRelease(t *testing.T) {
	mgr, err := NewManager(100000, 10*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("unexpected error creating manager: %v", err)
	}
	defer mgr.Close()

	l, err := mgr.NewLimiter("solo", 30000)
	if err != nil {
		t.Fatalf("unexpected error creating limiter: %v", err)
	}

	l.SetInUse(true)
	if got := l.limiter.Rate(); got != 100000 {
		t.Fatalf("expected limiter to receive full budget when active: got %d want %d", got, 100000)
	}

	l.SetInUse(false)
	if len(mgr.inUse) != 0 {
		t.Fatalf("expected no active limiters after release, got %d", len(mgr.inUse))
	}
	if got := l.limiter.Rate(); got != l.rate {
		t.Fatalf("expected limiter to reset to base rate after release: got %d want %d", got, l.rate)
	}
}

func TestWrapReader(t *testing.T) {
	mgr, err := NewManager(10000000, 10*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("unexpected error creating manager: %v", err)
	}
	defer mgr.Close()

	lim, err := mgr.NewLimiter("download", 1000000)
	if err != nil {
		t.Fatalf("unexpected error creating limiter: %v", err)
	}

	const payload = "hello world"
	rc := io.NopCloser(strings.NewReader(payload))
	r, err := mgr.WrapReader(context.Background(), "download", rc, Medium)
	if err != nil {
		t.Fatalf("unexpected error wrapping reader: %v", err)
	}
	if len(mgr.inUse) != 1 {
		t.Fatalf("expected limiter to be marked in use")
	}

	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("unexpected error reading: %v", err)
	}
	if string(buf) != payload {
		t.Fatalf("payload mismatch: got %q want %q", buf, payload)
	}
	if got := lim.TotalBytesThrough(); got != int64(len(payload)) {
		t.Fatalf("bytes through mismatch: got %d want %d", got, len(payload))
	}

	if err := r.Close(); err != nil {
		t.Fatalf("unexpected error closing reader: %v", err)
	}
	if len(mgr.inUse) != 0 {
		t.Fatalf("expected limiter to be released on close")
	}

	_, err = mgr.WrapReader(context.Background(), "missing", rc, Medium)
	if !coreerrors.IsNotFound(err) {
		t.Fatalf("expected NotFound for unknown limiter, got %v", err)
	}
}

func TestWrapHTTPResponseWriter(t *testing.T) {
	mgr, err := NewManager(10000000, 10*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("unexpected error creating manager: %v", err)
	}
	defer mgr.Close()

	lim, err := mgr.NewLimiter("response", 1000000)
	if err != nil {
		t.Fatalf("unexpected error creating limiter: %v", err)
	}

	rec := httptest.NewRecorder()
	w, err := mgr.WrapHTTPResponseWriter(context.Background(), "response", rec, High)
	if err != nil {
		t.Fatalf("unexpected error wrapping writer: %v", err)
	}

	payload := bytes.Repeat([]byte("x"), 100)
	n, err := w.Write(payload)
	if err != nil {
		t.Fatalf("unexpected error writing: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("short write: got %d want %d", n, len(payload))
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Fatalf("recorded body mismatch")
	}
	if got := lim.TotalBytesThrough(); got != int64(len(payload)) {
		t.Fatalf("bytes through mismatch: got %d want %d", got, len(payload))
	}

	if err := w.Close(); err != nil {
		t.Fatalf("unexpected error closing writer: %v", err)
	}
	if len(mgr.inUse) != 0 {
		t.Fatalf("expected limiter to be released on close")
	}

	_, err = mgr.WrapHTTPResponseWriter(context.Background(), "missing", rec, High)
	if !coreerrors.IsNotFound(err) {
		t.Fatalf("expected NotFound for unknown limiter, got %v", err)
	}
}

func TestManagerSinkRecords(t *testing.T) {
	sink := stats.NewMemorySink()
	mgr, err := NewManager(10000000, 10*time.Millisecond, 10, WithSink(sink))
	if err != nil {
		t.Fatalf("unexpected error creating manager: %v", err)
	}
	defer mgr.Close()

	lim, err := mgr.NewLimiter("tenant", 1000000)
	if err != nil {
		t.Fatalf("unexpected error creating limiter: %v", err)
	}

	if err := lim.Request(10, High); err != nil {
		t.Fatalf("unexpected error on request: %v", err)
	}
	if err := lim.Request(20, High); err != nil {
		t.Fatalf("unexpected error on request: %v", err)
	}
	// larger than the 10000 byte burst, rejected and recorded as such
	if err := lim.Request(20000, Low); !coreerrors.IsRequestTooLarge(err) {
		t.Fatalf("expected RequestTooLarge, got %v", err)
	}

	total := sink.Total()
	if total.Granted != 2 || total.Rejected != 1 || total.Bytes != 30 {
		t.Fatalf("sink totals mismatch: %+v", total)
	}
	byPri := sink.ByPriority()
	if byPri["high"].Granted != 2 {
		t.Fatalf("expected 2 granted high priority events, got %+v", byPri["high"])
	}
	if byPri["low"].Rejected != 1 {
		t.Fatalf("expected 1 rejected low priority event, got %+v", byPri["low"])
	}
	if got := sink.ByLimiter()["tenant"].Bytes; got != 30 {
		t.Fatalf("per limiter bytes mismatch: got %d want %d", got, 30)
	}
}
