package server

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/locomote-sh/content-server/internal/logfields"
)

// requestIDHeader carries the per-request correlation id.
const requestIDHeader = "X-Request-Id"

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// withMiddleware wraps next with request id assignment, panic recovery,
// request logging, and metrics.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		sw := &statusWriter{ResponseWriter: w}
		started := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					logfields.RequestID(id),
					logfields.Path(r.URL.Path),
					"panic", rec,
					"stack", string(debug.Stack()))
				if sw.status == 0 {
					sw.WriteHeader(http.StatusInternalServerError)
				}
			}
			d := time.Since(started)
			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			s.recorder.ObserveRequest(r.Method, status, d)
			s.log.Info("request",
				logfields.RequestID(id),
				logfields.Method(r.Method),
				logfields.Path(r.URL.Path),
				logfields.Status(status),
				logfields.DurationMS(float64(d)/float64(time.Millisecond)),
				logfields.RemoteAddr(r.RemoteAddr),
				logfields.UserAgent(r.UserAgent()))
		}()

		next.ServeHTTP(sw, r)
	})
}
