package api

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tynkerbase/tynkerbase-agent/log"
	"github.com/tynkerbase/tynkerbase-agent/stats"
)

// responseWriter is a minimal wrapper for http.ResponseWriter that allows the
// written HTTP status code to be captured for logging.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) Status() int {
	return rw.status
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
	rw.wroteHeader = true
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// LoggingMiddleware logs the incoming HTTP request & its duration.
func LoggingMiddleware(logger *log.Logger, st stats.Stats) mux.MiddlewareFunc {
	if logger == nil {
		logger = log.Get()
	}
	logger = logger.Named("HTTP")
	st = st.WithPrefix("http")

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			requestLogger := logger.With("request_id", uuid.NewString())
			wrapped := wrapResponseWriter(w)
			start := time.Now()

			defer func() {
				if err := recover(); err != nil {
					wrapped.WriteHeader(http.StatusInternalServerError)
					requestLogger.Errorw("recovered panic", "err", err, "trace", string(debug.Stack()))
				}

				duration := time.Since(start)
				route := routeTemplate(r)
				tags := stats.Tags{"status": strconv.Itoa(wrapped.status), "method": r.Method, "route": route}
				st.Incr("request", tags, 1)
				st.Timing("request.duration", duration, tags, 1)

				requestLogger.Infow("http request",
					"status", wrapped.status,
					"method", r.Method,
					"path", r.URL.EscapedPath(),
					"duration", duration,
				)
			}()

			ctx := log.Context(r.Context(), requestLogger)
			ctx = stats.InjectContext(ctx, st)
			next.ServeHTTP(wrapped, r.WithContext(ctx))
		}

		return http.HandlerFunc(fn)
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unknown"
}

// BodyLimit caps request bodies at n bytes. n <= 0 disables the cap.
func BodyLimit(n int64) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if n > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondJSON(w http.ResponseWriter, ret interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ret)
}
