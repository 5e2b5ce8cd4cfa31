package middlewares

import (
	"bufio"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"
)

// WithLogging warns about requests that finished with an error status,
// carrying enough request context to chase them down in the logs.
func WithLogging(h http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		loggedRW := &responseWriterLogger{
			ResponseWriter: rw,
			statusCode:     http.StatusOK,
		}
		h.ServeHTTP(loggedRW, req)

		if loggedRW.statusCode >= http.StatusBadRequest {
			log.Ctx(req.Context()).Warn().
				Int("statusCode", loggedRW.statusCode).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Msg("request failed")
		}
	})
}

type responseWriterLogger struct {
	http.ResponseWriter
	statusCode int
}

func (r *responseWriterLogger) WriteHeader(statusCode int) {
	r.ResponseWriter.WriteHeader(statusCode)
	r.statusCode = statusCode
}

// Hijack keeps websocket upgrades working through the wrapper.
func (r *responseWriterLogger) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer doesn't support hijacking")
	}
	return hj.Hijack()
}
