package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coregate/gateway/internal/reqlog"
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

func TestRecoveryCatchesPanic(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	handler := Chain(panicky, Recovery(testLogger(t)))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-ID")
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	RequestID(inner).ServeHTTP(w, r)

	if seen == "" {
		t.Error("expected a generated request id")
	}
	if w.Header().Get("X-Request-ID") != seen {
		t.Error("response header should echo the request id")
	}
}

func TestRequestIDPreservesIncoming(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-ID")
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "caller-supplied")
	w := httptest.NewRecorder()
	RequestID(inner).ServeHTTP(w, r)

	if seen != "caller-supplied" {
		t.Errorf("seen = %q, want caller-supplied", seen)
	}
}

func TestLoggerDisabledSkipsEntryInstall(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqlog.FromContext(r.Context()) != nil {
			t.Error("expected no reqlog.Entry in context when Logger is disabled")
		}
		w.WriteHeader(http.StatusOK)
	})

	handler := Logger(testLogger(t), false)(inner)
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestLoggerEnabledInstallsEntryDownstreamStagesCanAnnotate(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := reqlog.FromContext(r.Context())
		if entry == nil {
			t.Fatal("expected a reqlog.Entry installed by Logger")
		}
		entry.Set("authentication", "success")
		w.WriteHeader(http.StatusTeapot)
	})

	handler := Logger(testLogger(t), true, "api", "/x")(inner)
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", w.Code)
	}
}

func TestChainOrdersOutermostFirst(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	core := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "core")
	})

	handler := Chain(core, mark("outer"), mark("inner"))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	want := []string{"outer", "inner", "core"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
