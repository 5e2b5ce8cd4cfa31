package middlewares

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TraceID tags every request with a trace id, attached to the request logger
// and echoed back as a response header. An id supplied by the caller is kept
// so client retries correlate across attempts.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}

		logger := log.With().Str("traceId", traceID).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))
		w.Header().Set("Trace-ID", traceID)

		next.ServeHTTP(w, r)
	})
}
