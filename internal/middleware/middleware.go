// Package middleware provides composable HTTP middleware for the gateway:
// panic recovery, request-ID propagation, and access logging. Prometheus
// instrumentation lives in internal/metrics (C10) instead of here, bound
// to its own registry so more than one Sink can exist without the
// double-registration panic the teacher's global promauto vars would hit
// in that case.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/coregate/gateway/internal/reqlog"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// responseWriter wrapper to capture status code
// ---------------------------------------------------------------------------

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += n
	return n, err
}

// ---------------------------------------------------------------------------
// Recovery — catches panics so one bad request can't crash the server
// ---------------------------------------------------------------------------

func Recovery(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorw("recovered from panic",
						"panic", rec,
						"stack", string(debug.Stack()),
						"path", r.URL.Path,
					)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ---------------------------------------------------------------------------
// RequestID — injects/forwards a unique request ID
// ---------------------------------------------------------------------------

const headerRequestID = "X-Request-ID"

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(headerRequestID, id)
		r.Header.Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Logger — structured access log
// ---------------------------------------------------------------------------

// Logger installs a reqlog.Entry into the request context when enabled is
// true, then logs one structured access-log line combining the fixed
// request/response fields, any staticFields the caller wants attached
// (e.g. the owning API's path), and whatever fields pipeline stages
// downstream annotated onto the entry (e.g. authstage's "authentication"
// outcome). When enabled is false, next runs unmodified and nothing is
// logged — spec.md's per-API ApiConfig.RequestLog toggle.
func Logger(log *zap.SugaredLogger, enabled bool, staticFields ...interface{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx, entry := reqlog.WithEntry(r.Context())
			r = r.WithContext(ctx)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			fields := append([]interface{}{
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"bytes", sw.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", r.Header.Get(headerRequestID),
				"remote_addr", r.RemoteAddr,
			}, staticFields...)
			fields = append(fields, entry.Fields()...)
			log.Infow("request", fields...)
		})
	}
}

// Chain applies middlewares in order (first listed = outermost).
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
