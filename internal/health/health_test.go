package health

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("zap.NewDevelopment: %v", err)
	}
	return l.Sugar()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestCheckerReportsAliveOnHealthyTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger(t))
	defer c.Stop()

	waitFor(t, c.IsAlive)
	if c.Target() != srv.URL {
		t.Errorf("Target() = %q, want %q", c.Target(), srv.URL)
	}
}

func TestCheckerFlipsToDeadOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger(t))
	defer c.Stop()

	waitFor(t, func() bool { return !c.IsAlive() })
}

func TestCheckerFlipsToDeadOnConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections immediately

	c := New(srv.URL, testLogger(t))
	defer c.Stop()

	waitFor(t, func() bool { return !c.IsAlive() })
}

func TestStopHaltsProbing(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger(t))
	waitFor(t, c.IsAlive)
	c.Stop()

	seen := atomic.LoadInt32(&calls)
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&calls) != seen {
		t.Error("expected no further probes after Stop")
	}
}
