package middlewares

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
)

// Gzip compresses responses when the client accepts it.
func Gzip(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}
