// Package gateway implements the Gateway Server (C7): the lifecycle that
// turns a config.PipelineConfig into a mounted set of per-API pipelines,
// and the admin surface (C11) that exposes them. Generalized from the
// teacher's internal/proxy.Gateway — single load-balanced backend pool
// per route becomes one pipeline.API per API, longest-prefix dispatch and
// the mutex-guarded route-table swap are kept almost verbatim.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coregate/gateway/internal/config"
	"github.com/coregate/gateway/internal/group"
	"github.com/coregate/gateway/internal/loader"
	"github.com/coregate/gateway/internal/metrics"
	"github.com/coregate/gateway/internal/middleware"
	"github.com/coregate/gateway/internal/pipeline"
	"github.com/coregate/gateway/internal/state"
	"go.uber.org/zap"
)

// Gateway is the main http.Handler mounted on the public listener.
type Gateway struct {
	configureMu sync.Mutex // serializes Configure against itself (spec.md §4.7)

	mu     sync.RWMutex
	routes []*pipeline.API

	store    state.Store
	registry *loader.Registry
	sink     *metrics.Sink
	log      *zap.SugaredLogger

	server      *http.Server
	adminServer *http.Server
}

func New(store state.Store, registry *loader.Registry, sink *metrics.Sink, log *zap.SugaredLogger) *Gateway {
	return &Gateway{store: store, registry: registry, sink: sink, log: log}
}

// Configure loads all API configs from cfg, builds per-API pipelines, and
// atomically swaps them into the route table. A per-API build error is
// logged and that API is dropped; the rest still mount (spec.md §4.7,
// §7 ConfigError policy). Must not run concurrently with itself; callers
// triggering a hot reload from C8's watcher serialize on configureMu.
func (gw *Gateway) Configure(cfg *config.PipelineConfig) error {
	gw.configureMu.Lock()
	defer gw.configureMu.Unlock()

	built := make([]*pipeline.API, 0, len(cfg.APIs))
	for i, api := range cfg.APIs {
		apiKey := fmt.Sprintf("%s#%d", api.Path, i)

		groups, err := group.Compile(api.Group)
		if err != nil {
			gw.log.Warnw("api group config invalid, dropping api", "path", api.Path, "err", err)
			continue
		}

		deps := pipeline.Deps{Store: gw.store, Registry: gw.registry, Sink: gw.sink, Log: gw.log}
		p, err := pipeline.Build(apiKey, api, cfg.Authentication, groups, deps)
		if err != nil {
			gw.log.Warnw("api pipeline build failed, dropping api", "path", api.Path, "err", err)
			continue
		}
		built = append(built, p)
	}

	gw.mu.Lock()
	old := gw.routes
	gw.routes = built
	gw.mu.Unlock()

	stillMounted := make(map[string]bool, len(built))
	for _, p := range built {
		stillMounted[p.Path] = true
	}
	for _, p := range old {
		if !stillMounted[p.Path] && p.Checker != nil {
			p.Checker.Stop()
		}
	}

	gw.log.Infow("gateway configured", "apis", len(built))
	return nil
}

// Reload is Configure by another name, kept distinct per spec.md §4.7 so
// callers reading the lifecycle can tell "initial configure" from
// "C8-triggered reconfigure" apart at the call site even though the
// underlying operation — and its concurrency guarantee — is identical.
func (gw *Gateway) Reload(cfg *config.PipelineConfig) error {
	return gw.Configure(cfg)
}

// ServeHTTP dispatches to the longest matching API path prefix.
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gw.mu.RLock()
	routes := gw.routes
	gw.mu.RUnlock()

	var matched *pipeline.API
	for _, p := range routes {
		if strings.HasPrefix(r.URL.Path, p.Path) {
			if matched == nil || len(p.Path) > len(matched.Path) {
				matched = p
			}
		}
	}

	if matched == nil {
		http.Error(w, "no api matched", http.StatusNotFound)
		return
	}
	matched.Handler.ServeHTTP(w, r)
}

// Start begins accepting connections on addr for the public surface and,
// concurrently, on adminAddr for the admin surface (spec.md §6, C11).
func (gw *Gateway) Start(addr, adminAddr string, readTimeout, writeTimeout time.Duration) error {
	gw.server = &http.Server{
		Addr:         addr,
		Handler:      middleware.Chain(gw, middleware.Recovery(gw.log)),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	gw.adminServer = &http.Server{
		Addr:    adminAddr,
		Handler: gw.adminMux(),
	}

	errCh := make(chan error, 2)
	go func() { errCh <- gw.server.ListenAndServe() }()
	go func() { errCh <- gw.adminServer.ListenAndServe() }()

	err := <-errCh
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes both listeners and drains in-flight requests.
func (gw *Gateway) Stop(ctx context.Context) error {
	var errs []error
	if gw.server != nil {
		if err := gw.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if gw.adminServer != nil {
		if err := gw.adminServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	gw.mu.RLock()
	routes := gw.routes
	gw.mu.RUnlock()
	for _, p := range routes {
		if p.Checker != nil {
			p.Checker.Stop()
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Admin surface (C11)
// ---------------------------------------------------------------------------

func (gw *Gateway) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", gw.sink.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/readyz", gw.readyzHandler)
	mux.HandleFunc("/routes", gw.routesHandler)
	return mux
}

func (gw *Gateway) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	gw.mu.RLock()
	routes := gw.routes
	gw.mu.RUnlock()

	for _, p := range routes {
		if p.Checker == nil || !p.Checker.IsAlive() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "not_ready",
				"reason": "upstream " + p.Path + " unhealthy",
			})
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

type routeInfo struct {
	Path   string `json:"path"`
	Target string `json:"target"`
	Alive  bool   `json:"alive"`
}

func (gw *Gateway) routesHandler(w http.ResponseWriter, _ *http.Request) {
	gw.mu.RLock()
	routes := gw.routes
	gw.mu.RUnlock()

	out := make([]routeInfo, 0, len(routes))
	for _, p := range routes {
		info := routeInfo{Path: p.Path}
		if p.Checker != nil {
			info.Target = p.Checker.Target()
			info.Alive = p.Checker.IsAlive()
		}
		out = append(out, info)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
