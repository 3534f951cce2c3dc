// Package pipeline implements the Pipeline Assembler (C6): composing one
// API's mounted handler from request-log init, circuit-breaker stages,
// authentication stages, the rate-limit stage, and the proxy, in the
// fixed order spec.md §4.6 names. Built atop the teacher's
// middleware.Chain helper, generalized so each installed stage carries
// its own group gate instead of applying unconditionally to a whole
// route.
package pipeline

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/coregate/gateway/internal/authstage"
	"github.com/coregate/gateway/internal/breaker"
	"github.com/coregate/gateway/internal/config"
	"github.com/coregate/gateway/internal/group"
	"github.com/coregate/gateway/internal/health"
	"github.com/coregate/gateway/internal/loader"
	"github.com/coregate/gateway/internal/metrics"
	"github.com/coregate/gateway/internal/middleware"
	"github.com/coregate/gateway/internal/ratelimiter"
	"github.com/coregate/gateway/internal/state"
	"go.uber.org/zap"
)

// Deps bundles the shared collaborators every API's pipeline is built
// against — explicit constructor injection throughout, per spec.md §9
// ("singleton container → explicit wiring").
type Deps struct {
	Store    state.Store
	Registry *loader.Registry
	Sink     *metrics.Sink
	Log      *zap.SugaredLogger
}

// API is one API's fully assembled pipeline plus the health.Checker
// watching its upstream target, so the caller (internal/gateway) can
// mount the handler and fold the checker into /readyz.
type API struct {
	Path    string
	Handler http.Handler
	Checker *health.Checker
}

// Build assembles one API's pipeline per spec.md §4.6's fixed stage
// order. apiKey namespaces per-stage registrations (e.g. auth stage
// labels) so repeat Configure calls for the same path never collide.
func Build(apiKey string, api config.ApiConfig, shared map[string]config.AuthenticationConfig, groups map[string]group.Group, deps Deps) (*API, error) {
	proxyHandler, err := buildProxy(api)
	if err != nil {
		return nil, err
	}

	handler := proxyHandler

	if api.RateLimit != nil {
		rl, err := ratelimiter.New(api.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("api %q: rate limiter: %w", api.Path, err)
		}
		handler = rateLimitMiddleware(rl)(handler)
	}

	authStages, err := authstage.Build(api.Path, apiKey, api.Authentication, shared, groups, deps.Registry, deps.Log)
	if err != nil {
		return nil, err
	}
	for i := len(authStages) - 1; i >= 0; i-- {
		handler = authStages[i].Wrap(handler)
	}

	breakerMWs, err := buildBreakerStages(api.Path, api.CircuitBreaker, groups, deps, deps.Sink.BreakerObserver())
	if err != nil {
		return nil, err
	}
	for i := len(breakerMWs) - 1; i >= 0; i-- {
		handler = breakerMWs[i](handler)
	}

	handler = requestLogInit(api, deps)(handler)

	checker := health.New(api.Proxy.Target, deps.Log)

	return &API{Path: api.Path, Handler: handler, Checker: checker}, nil
}

// ---------------------------------------------------------------------------
// Request-log initializer (C6 step 1)
// ---------------------------------------------------------------------------

// requestLogInit wraps next with the teacher's middleware.RequestID and
// middleware.Logger (which owns the reqlog.Entry install/flush per
// api.RequestLog), plus a thin stats-only wrapper feeding C10's Sink per
// api.Stats. Order (outermost first): RequestID -> Logger -> stats ->
// next, so the access log's duration covers everything downstream,
// including whatever fields auth/breaker stages annotate onto the entry
// installed by Logger.
func requestLogInit(api config.ApiConfig, deps Deps) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next
		if api.Stats {
			handler = statsMiddleware(api.Path, deps.Sink)(handler)
		}
		return middleware.Chain(handler,
			middleware.RequestID,
			middleware.Logger(deps.Log, api.RequestLog, "api", api.Path),
		)
	}
}

// statsMiddleware feeds each completed request's method/status/latency
// into the API's Stats sink (C10), independent of whether access logging
// is enabled.
func statsMiddleware(apiPath string, sink *metrics.Sink) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			sink.ObserveRequest(apiPath, r.Method, sw.status, time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// ---------------------------------------------------------------------------
// Circuit-breaker stages (C4 wiring)
// ---------------------------------------------------------------------------

func buildBreakerStages(apiPath string, cfgs []config.CircuitBreakerConfig, groups map[string]group.Group, deps Deps, observer breaker.Observer) ([]func(http.Handler) http.Handler, error) {
	sorted, err := breaker.SortDefaultLast(apiPath, cfgs)
	if err != nil {
		return nil, err
	}

	mws := make([]func(http.Handler) http.Handler, 0, len(sorted))
	for _, c := range sorted {
		bc := breaker.ConfigFromYAML(c)
		bc.OnOpen = resolveEventHandler(deps.Registry, c.OnOpen, deps.Log)
		bc.OnClose = resolveEventHandler(deps.Registry, c.OnClose, deps.Log)
		bc.OnRejected = resolveEventHandler(deps.Registry, c.OnRejected, deps.Log)

		b := breaker.New(apiPath, bc, deps.Store, deps.Log, observer)
		if err := b.Configure(context.Background()); err != nil {
			deps.Log.Warnw("circuit breaker configure failed, omitting stage", "path", apiPath, "err", err)
			continue
		}

		gate, _, err := group.BuildAllowFilter(groups, c.Group)
		if err != nil {
			deps.Log.Warnw("circuit breaker group resolution failed, omitting stage", "path", apiPath, "err", err)
			continue
		}

		mws = append(mws, gateMiddleware(gate, b.Middleware))
	}
	return mws, nil
}

// resolveEventHandler loads an onOpen/onClose/onRejected handler id via
// C2 under circuitbreaker.handler. An empty id or load failure yields nil
// (no handler invoked) rather than aborting the whole breaker stage.
func resolveEventHandler(reg *loader.Registry, name string, log *zap.SugaredLogger) breaker.EventHandlerFunc {
	if name == "" {
		return nil
	}
	h, err := reg.Load(loader.KindCircuitBreakerHandler, name, nil)
	if err != nil {
		log.Warnw("circuit breaker event handler load failed, ignoring", "handler", name, "err", err)
		return nil
	}
	fn, ok := h.(breaker.EventHandlerFunc)
	if !ok {
		log.Warnw("circuit breaker event handler has unexpected type, ignoring", "handler", name)
		return nil
	}
	return fn
}

// gateMiddleware conditions mw on gate: when gate rejects the request,
// next runs unwrapped (the stage is bypassed entirely, not merely
// skipped-over internally), matching spec.md §8 invariant 5.
func gateMiddleware(gate *group.Filter, mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gate.Match(r) {
				wrapped.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ---------------------------------------------------------------------------
// Rate-limit stage (C12, slotted per spec.md §4.6 step 4)
// ---------------------------------------------------------------------------

func rateLimitMiddleware(rl ratelimiter.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := rl.Allow(r); err != nil {
				var rlErr *ratelimiter.ErrRateLimited
				if ok := asRateLimited(err, &rlErr); ok {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", rlErr.RetryAfter.Seconds()))
				}
				http.Error(w, "Too many requests, please try again later.", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func asRateLimited(err error, target **ratelimiter.ErrRateLimited) bool {
	if rl, ok := err.(*ratelimiter.ErrRateLimited); ok {
		*target = rl
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Proxy stage (spec.md §4.6 step 5)
// ---------------------------------------------------------------------------

func buildProxy(api config.ApiConfig) (http.Handler, error) {
	targetURL, err := url.Parse(api.Proxy.Target)
	if err != nil {
		return nil, fmt.Errorf("api %q: invalid proxy target %q: %w", api.Path, api.Proxy.Target, err)
	}

	mount := api.Proxy.Path
	allowedMethods := methodSet(api.Proxy.Methods)

	rp := &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			r.URL.Scheme = targetURL.Scheme
			r.URL.Host = targetURL.Host
			if api.Proxy.StripPath {
				r.URL.Path = strings.TrimPrefix(r.URL.Path, mount)
				if r.URL.Path == "" {
					r.URL.Path = "/"
				}
			}
			if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
					clientIP = prior + ", " + clientIP
				}
				r.Header.Set("X-Forwarded-For", clientIP)
			}
			r.Header.Set("X-Forwarded-Host", r.Host)
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, "bad gateway: "+err.Error(), http.StatusBadGateway)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(allowedMethods) > 0 && !allowedMethods[r.Method] {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rp.ServeHTTP(w, r)
	}), nil
}

func methodSet(methods []string) map[string]bool {
	if len(methods) == 0 {
		return nil
	}
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = true
	}
	return set
}
