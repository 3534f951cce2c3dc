package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coregate/gateway/internal/config"
	"github.com/coregate/gateway/internal/loader"
	"github.com/coregate/gateway/internal/metrics"
	"github.com/coregate/gateway/internal/state"
	"go.uber.org/zap"
)

func testGateway(t *testing.T) *Gateway {
	t.Helper()
	log, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("zap.NewDevelopment: %v", err)
	}
	return New(state.NewMemoryStore(), loader.NewRegistry(), metrics.NewSink(), log.Sugar())
}

func TestConfigureAndServeHappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/get" {
			w.Write([]byte(`{"args":{"arg":"1"}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	gw := testGateway(t)
	cfg := &config.PipelineConfig{
		APIs: []config.ApiConfig{
			{Path: "/test", Proxy: config.ProxyConfig{Path: "/test", Target: upstream.URL, StripPath: true}},
		},
	}
	if err := gw.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/test/get?arg=1", nil)
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
}

func TestServeHTTPLongestPrefixMatch(t *testing.T) {
	general := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("general"))
	}))
	defer general.Close()
	specific := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("specific"))
	}))
	defer specific.Close()

	gw := testGateway(t)
	cfg := &config.PipelineConfig{
		APIs: []config.ApiConfig{
			{Path: "/api", Proxy: config.ProxyConfig{Path: "/api", Target: general.URL}},
			{Path: "/api/admin", Proxy: config.ProxyConfig{Path: "/api/admin", Target: specific.URL}},
		},
	}
	if err := gw.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/admin/x", nil)
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, r)

	if got := w.Body.String(); got != "specific" {
		t.Errorf("body = %q, want specific (longest-prefix match)", got)
	}
}

func TestConfigureDropsOnlyTheBadAPI(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	gw := testGateway(t)
	cfg := &config.PipelineConfig{
		APIs: []config.ApiConfig{
			{Path: "/good", Proxy: config.ProxyConfig{Path: "/good", Target: upstream.URL}},
			{
				Path:  "/bad",
				Proxy: config.ProxyConfig{Path: "/bad", Target: upstream.URL},
				CircuitBreaker: []config.CircuitBreakerConfig{
					{MaxFailures: 1},
					{MaxFailures: 1},
				},
			},
		},
	}
	if err := gw.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	good := httptest.NewRequest(http.MethodGet, "/good", nil)
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, good)
	if w.Code != http.StatusOK {
		t.Errorf("/good status = %d, want 200", w.Code)
	}

	bad := httptest.NewRequest(http.MethodGet, "/bad", nil)
	w2 := httptest.NewRecorder()
	gw.ServeHTTP(w2, bad)
	if w2.Code != http.StatusNotFound {
		t.Errorf("/bad status = %d, want 404 (api dropped due to two default breaker entries)", w2.Code)
	}
}

func TestReadyzReflectsUpstreamHealth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	gw := testGateway(t)
	cfg := &config.PipelineConfig{
		APIs: []config.ApiConfig{
			{Path: "/good", Proxy: config.ProxyConfig{Path: "/good", Target: upstream.URL}},
		},
	}
	if err := gw.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	// The health checker probes asynchronously and starts optimistic;
	// give it a moment to complete its first check against the live
	// upstream test server.
	time.Sleep(50 * time.Millisecond)

	r := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	gw.readyzHandler(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("readyz status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
}
