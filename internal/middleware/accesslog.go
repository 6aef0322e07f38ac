package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bq-gateway/internal/metrics"
)

// timingWriter stamps X-Response-Time when the header is written and keeps
// the status for logging.
type timingWriter struct {
	http.ResponseWriter
	start  time.Time
	status int
	bytes  int
}

func (w *timingWriter) WriteHeader(code int) {
	if w.status != 0 {
		return
	}
	w.status = code
	w.Header().Set("X-Response-Time", fmt.Sprintf("%.3fms", float64(time.Since(w.start).Microseconds())/1000))
	w.ResponseWriter.WriteHeader(code)
}

func (w *timingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *timingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// AccessLog logs one line per request and records HTTP metrics under the
// matched chi route pattern. m may be nil.
func AccessLog(logger *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &timingWriter{ResponseWriter: w, start: time.Now()}
			next.ServeHTTP(tw, r)

			if tw.status == 0 {
				tw.status = http.StatusOK
			}
			elapsed := time.Since(tw.start)
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			m.ObserveHTTP(r.Method, route, tw.status, elapsed)

			level := slog.LevelInfo
			if tw.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", tw.status),
				slog.Int("bytes", tw.bytes),
				slog.Duration("duration", elapsed),
				slog.String("request_id", RequestIDFromContext(r.Context())),
				slog.String("remote_ip", ClientIP(r)),
			)
		})
	}
}
