package logger

import (
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// statusWriter records what the wrapped handler sent.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// mediaExt are files players poll continuously; fetching them is logged at debug.
var mediaExt = map[string]bool{".ts": true, ".m3u8": true, ".m3u": true}

// RequestLogger returns a chi-compatible access log middleware. Each request
// is logged with its request id (when middleware.RequestID runs first),
// method, path, status, duration and response size. Segment and playlist
// fetches are logged at debug, server errors at warn.
func RequestLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			lvl := slog.LevelInfo
			switch {
			case sw.status >= http.StatusInternalServerError:
				lvl = slog.LevelWarn
			case mediaExt[path.Ext(r.URL.Path)]:
				lvl = slog.LevelDebug
			}
			log.LogAttrs(r.Context(), lvl, "request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.Int("size", sw.bytes),
			)
		})
	}
}
