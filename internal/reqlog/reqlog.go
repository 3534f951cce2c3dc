// Package reqlog carries the per-request annotations referenced by
// ApiConfig.RequestLog (spec.md §3, §4.5): a small bag of key/value fields
// accumulated across pipeline stages and flushed by the logging middleware
// at the end of the request, rather than each stage calling the logger
// directly.
package reqlog

import (
	"context"
	"sync"
)

type ctxKey struct{}

// Entry accumulates fields contributed by pipeline stages as a request
// moves through them. Safe for concurrent use: after a breaker timeout the
// downstream stages may still be running in their own goroutine while the
// logging middleware reads the fields.
type Entry struct {
	mu     sync.Mutex
	fields map[string]interface{}
}

func newEntry() *Entry {
	return &Entry{fields: make(map[string]interface{})}
}

// Set records a field. Later calls with the same key overwrite earlier
// ones (e.g. a retried auth stage updates "authentication").
func (e *Entry) Set(key string, value interface{}) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fields[key] = value
}

// Fields returns a snapshot suitable for passing to a structured logger's
// Infow/Warnw as alternating key/value pairs.
func (e *Entry) Fields() []interface{} {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]interface{}, 0, len(e.fields)*2)
	for k, v := range e.fields {
		out = append(out, k, v)
	}
	return out
}

// WithEntry installs a fresh Entry into ctx, returning the new context and
// the entry so the caller can flush it after the handler chain returns.
func WithEntry(ctx context.Context) (context.Context, *Entry) {
	e := newEntry()
	return context.WithValue(ctx, ctxKey{}, e), e
}

// FromContext returns the Entry installed by WithEntry, or nil if the
// request's API did not enable requestLog. Set on a nil Entry is a no-op,
// so callers never need to check before annotating.
func FromContext(ctx context.Context) *Entry {
	e, _ := ctx.Value(ctxKey{}).(*Entry)
	return e
}
