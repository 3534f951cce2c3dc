// Package breaker implements the Circuit Breaker (C4): the
// CLOSED/OPEN/HALF_OPEN state machine and the per-request middleware that
// gates upstream calls on it, as specified in spec.md §4.4.
//
// Grounded on the teacher's internal/circuitbreaker/circuitbreaker.go for
// overall shape, generalized from a percentage-rolling-window breaker to
// the spec's consecutive-failure-count breaker with externally shared
// state. The state enum lives in internal/state, config defaults are
// applied in internal/config, and Breaker itself holds no mutex: all
// mutable state is in the Store. Test style is grounded on
// 1mb-dev-autobreaker/internal/breaker/circuitbreaker_test.go.
package breaker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/coregate/gateway/internal/config"
	"github.com/coregate/gateway/internal/gwerrors"
	"github.com/coregate/gateway/internal/state"
	"go.uber.org/zap"
)

// Observer receives circuit-breaker state-change notifications (spec.md
// §9: "event emitter → observer interface"). All methods must be safe to
// call concurrently; implementations should not block.
type Observer interface {
	OnOpen(path string)
	OnClose(path string)
	OnHalfOpen(path string)
	OnRejected(path string)
}

// NoopObserver implements Observer with no side effects.
type NoopObserver struct{}

func (NoopObserver) OnOpen(string)     {}
func (NoopObserver) OnClose(string)    {}
func (NoopObserver) OnHalfOpen(string) {}
func (NoopObserver) OnRejected(string) {}

// EventHandlerFunc is what the onOpen/onClose/onRejected handler ids in
// config.CircuitBreakerConfig resolve to via the Middleware Loader (C2).
type EventHandlerFunc func(ctx context.Context, path string)

// Config is the runtime-resolved form of config.CircuitBreakerConfig.
type Config struct {
	Timeout      time.Duration
	ResetTimeout time.Duration
	MaxFailures  int
	OnOpen       EventHandlerFunc
	OnClose      EventHandlerFunc
	OnRejected   EventHandlerFunc
}

func ConfigFromYAML(c config.CircuitBreakerConfig) Config {
	return Config{
		Timeout:      c.Timeout(),
		ResetTimeout: c.ResetTimeout(),
		MaxFailures:  c.MaxFailures,
	}
}

// Breaker gates requests for one API path. Multiple Breaker instances may
// share the same path (one per CircuitBreakerConfig entry, differing only
// in which requests their group filter lets through); they all read and
// write the same per-path record in Store.
type Breaker struct {
	path     string
	cfg      Config
	store    state.Store
	log      *zap.SugaredLogger
	observer Observer
}

func New(path string, cfg Config, store state.Store, log *zap.SugaredLogger, observer Observer) *Breaker {
	if observer == nil {
		observer = NoopObserver{}
	}
	return &Breaker{path: path, cfg: cfg, store: store, log: log, observer: observer}
}

// Configure ensures CLOSED state exists for this breaker's path. Call
// once per API configure (spec.md §4.4: "created on first configure for
// that path").
func (b *Breaker) Configure(ctx context.Context) error {
	return b.store.Init(ctx, b.path)
}

// currentState returns the effective state, lazily driving the
// OPEN→HALF_OPEN transition when resetTimeout has elapsed. Because the
// decision is based on the persisted OpenedAt rather than a local timer,
// any gateway replica observing the record can make this transition
// (spec.md §9 Open Question (a), resolved as recommended).
func (b *Breaker) currentState(ctx context.Context) (state.Snapshot, error) {
	snap, err := b.store.Get(ctx, b.path)
	if err != nil {
		return state.Snapshot{}, err
	}
	if snap.State == state.Open && !snap.OpenedAt.IsZero() && time.Since(snap.OpenedAt) >= b.cfg.ResetTimeout {
		changed, serr := b.store.SetState(ctx, b.path, state.HalfOpen, state.Open)
		if serr != nil {
			return snap, serr
		}
		if changed {
			_, _ = b.store.SetHalfOpenPending(ctx, b.path, false)
			b.observer.OnHalfOpen(b.path)
			snap.State = state.HalfOpen
			snap.HalfOpenPending = false
		}
	}
	return snap, nil
}

// IsOpen, IsHalfOpen, IsClosed are the state queries spec.md §4.4 names.
func (b *Breaker) IsOpen(ctx context.Context) (bool, error) {
	snap, err := b.currentState(ctx)
	return snap.State == state.Open, err
}

func (b *Breaker) IsHalfOpen(ctx context.Context) (bool, error) {
	snap, err := b.currentState(ctx)
	return snap.State == state.HalfOpen, err
}

func (b *Breaker) IsClosed(ctx context.Context) (bool, error) {
	snap, err := b.currentState(ctx)
	return snap.State == state.Closed, err
}

// State returns a human-readable state string for admin introspection.
func (b *Breaker) State(ctx context.Context) string {
	snap, err := b.currentState(ctx)
	if err != nil {
		return "unknown"
	}
	return string(snap.State)
}

// ForceOpen, ForceClose, ForceHalfOpen are idempotent: they attempt the
// CAS and short-circuit (report no change) if already at the target.
func (b *Breaker) ForceOpen(ctx context.Context) error {
	changed, err := b.store.SetState(ctx, b.path, state.Open, state.AnyState())
	if err != nil {
		return err
	}
	if changed {
		b.observer.OnOpen(b.path)
		b.invoke(ctx, b.cfg.OnOpen)
	}
	return nil
}

func (b *Breaker) ForceClose(ctx context.Context) error {
	if err := b.store.ClearFailures(ctx, b.path); err != nil {
		return err
	}
	changed, err := b.store.SetState(ctx, b.path, state.Closed, state.AnyState())
	if err != nil {
		return err
	}
	if changed {
		b.observer.OnClose(b.path)
		b.invoke(ctx, b.cfg.OnClose)
	}
	return nil
}

func (b *Breaker) ForceHalfOpen(ctx context.Context) error {
	changed, err := b.store.SetState(ctx, b.path, state.HalfOpen, state.AnyState())
	if err != nil {
		return err
	}
	if changed {
		_, _ = b.store.SetHalfOpenPending(ctx, b.path, false)
		b.observer.OnHalfOpen(b.path)
	}
	return nil
}

func (b *Breaker) invoke(ctx context.Context, h EventHandlerFunc) {
	if h == nil {
		return
	}
	h(ctx, b.path)
}

// handleFailure implements spec.md §4.4: atomically increment the
// counter; force OPEN if the post-increment count reaches MaxFailures or
// the request was the HALF_OPEN probe.
func (b *Breaker) handleFailure(ctx context.Context, wasHalfOpen bool) {
	count, err := b.store.IncrementFailures(ctx, b.path)
	if err != nil {
		b.log.Warnw("circuit breaker store unavailable recording failure, failing open", "path", b.path, "err", err)
		return
	}
	if wasHalfOpen {
		_, _ = b.store.SetHalfOpenPending(ctx, b.path, false)
		if err := b.ForceOpen(ctx); err != nil {
			b.log.Warnw("circuit breaker failed to force open", "path", b.path, "err", err)
		}
		return
	}
	if count >= b.cfg.MaxFailures {
		if err := b.ForceOpen(ctx); err != nil {
			b.log.Warnw("circuit breaker failed to force open", "path", b.path, "err", err)
		}
	}
}

// handleSuccess implements spec.md §4.4: force CLOSED and clear the
// counter. close is only emitted when the CAS actually changed the
// stored state (spec.md §9 Open Question: a success observed while
// already CLOSED must not spuriously emit close).
func (b *Breaker) handleSuccess(ctx context.Context, wasHalfOpen bool) {
	if wasHalfOpen {
		_, _ = b.store.SetHalfOpenPending(ctx, b.path, false)
	}
	if err := b.ForceClose(ctx); err != nil {
		b.log.Warnw("circuit breaker store unavailable recording success, failing open", "path", b.path, "err", err)
	}
}

func (b *Breaker) reject(w http.ResponseWriter, ctx context.Context) {
	b.observer.OnRejected(b.path)
	b.invoke(ctx, b.cfg.OnRejected)
	http.Error(w, "CircuitBreaker open", http.StatusServiceUnavailable)
}

// Middleware wraps next with circuit-breaker gating per spec.md §4.4
// "Request observation". The downstream handler runs in its own
// goroutine against a response recorder so the breaker's timeout and the
// handler's own completion can race without either one corrupting the
// real http.ResponseWriter: the first of {timer fires, response arrives}
// wins, and the loser's write lands only in the (discarded) recorder
// (spec.md §5, §9 "explicit response lifecycle hook").
func (b *Breaker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		snap, err := b.currentState(ctx)
		if err != nil {
			b.log.Warnw("circuit breaker store unavailable, failing open", "path", b.path, "err", err)
			b.serve(w, r, next, false)
			return
		}

		switch {
		case snap.State == state.Open:
			b.reject(w, ctx)
			return
		case snap.State == state.HalfOpen && snap.HalfOpenPending:
			b.reject(w, ctx)
			return
		case snap.State == state.HalfOpen && !snap.HalfOpenPending:
			prior, err := b.store.SetHalfOpenPending(ctx, b.path, true)
			if err != nil {
				b.log.Warnw("circuit breaker store unavailable, failing open", "path", b.path, "err", err)
				b.serve(w, r, next, false)
				return
			}
			if prior {
				// Another request already won the test-and-set between our
				// currentState read and this call; only one probe at a time.
				b.reject(w, ctx)
				return
			}
			b.serve(w, r, next, true)
		default:
			b.serve(w, r, next, false)
		}
	})
}

func (b *Breaker) serve(w http.ResponseWriter, r *http.Request, next http.Handler, probe bool) {
	ctx := r.Context()
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec := httptest.NewRecorder()
	done := make(chan struct{})

	go func() {
		defer close(done)
		next.ServeHTTP(rec, r.WithContext(reqCtx))
	}()

	timer := time.NewTimer(b.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-done:
		copyResponse(w, rec)
		if rec.Code >= http.StatusInternalServerError {
			b.handleFailure(ctx, probe)
		} else {
			b.handleSuccess(ctx, probe)
		}
	case <-timer.C:
		cancel() // the loser's eventual write lands on rec, not w
		if probe {
			_, _ = b.store.SetHalfOpenPending(ctx, b.path, false)
		}
		http.Error(w, "CircuitBreaker timeout", http.StatusGatewayTimeout)
		b.handleFailure(ctx, probe)
	case <-ctx.Done():
		// Client disconnected: neither success nor failure (spec.md §5).
		cancel()
	}
}

func copyResponse(w http.ResponseWriter, rec *httptest.ResponseRecorder) {
	for k, vs := range rec.Header() {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(rec.Code)
	_, _ = w.Write(rec.Body.Bytes())
}

// SortDefaultLast orders breaker configs so the group-less ("default")
// entry, if any, comes last. More than one default entry is a ConfigError
// for the whole kind: the caller gets an empty slice and must install no
// breaker stage at all (spec.md §4.4, testable property 7).
func SortDefaultLast(path string, cfgs []config.CircuitBreakerConfig) ([]config.CircuitBreakerConfig, error) {
	var withGroup, defaults []config.CircuitBreakerConfig
	for _, c := range cfgs {
		if len(c.Group) == 0 {
			defaults = append(defaults, c)
		} else {
			withGroup = append(withGroup, c)
		}
	}
	if len(defaults) > 1 {
		return nil, &gwerrors.ConfigError{Path: path, Err: errTooManyDefaults("circuitBreaker")}
	}
	return append(withGroup, defaults...), nil
}

type errTooManyDefaults string

func (e errTooManyDefaults) Error() string {
	return string(e) + ": more than one group-less (default) entry configured"
}
