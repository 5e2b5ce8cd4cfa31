package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/relayhub/go-relay/internal/relay"
	"github.com/relayhub/go-relay/internal/router/controllers"
	"github.com/relayhub/go-relay/internal/router/middlewares"
)

// ConfiguredRouter returns a fully configured Router that can be used as an http handler.
func ConfiguredRouter(
	maxRPI uint64,
	rateLimInterval time.Duration,
	relayService relay.Relay,
	live controllers.LiveSubs,
	health controllers.DeliveryHealthReporter,
	readiness ReadinessCheck,
) (*Router, error) {
	controller := controllers.NewController(relayService, live, health)

	// General router configuration.
	router := NewRouter()
	router.Use(middlewares.CORS, middlewares.TraceID)

	rateLim, err := middlewares.RateLimitController(middlewares.RateLimiterConfig{
		MaxRPI:   maxRPI,
		Interval: rateLimInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("creating rate limit controller middleware: %s", err)
	}

	// Relay API configuration.
	router.Post("/api/v1/transactions", controller.QueueTx, middlewares.WithLogging, middlewares.OtelHTTP("QueueTx"), rateLim)                // nolint
	router.Get("/api/v1/transactions/{queueId}", controller.GetTx, middlewares.WithLogging, middlewares.OtelHTTP("GetTx"), middlewares.Gzip, rateLim) // nolint
	router.Delete("/api/v1/transactions/{queueId}", controller.CancelTx, middlewares.WithLogging, middlewares.OtelHTTP("CancelTx"), rateLim) // nolint
	router.Get("/api/v1/transactions/{queueId}/subscribe", controller.SubscribeTx, middlewares.WithLogging)                                  // nolint
	router.Post("/api/v1/nonces/reset", controller.ResetNonces, middlewares.WithLogging, middlewares.OtelHTTP("ResetNonces"), rateLim)       // nolint
	router.Get("/api/v1/webhooks/health", controller.WebhookHealth, middlewares.WithLogging, middlewares.OtelHTTP("WebhookHealth"), middlewares.Gzip, rateLim) // nolint

	router.Get("/version", controller.Version, middlewares.WithLogging, middlewares.OtelHTTP("Version"), rateLim) // nolint

	// Health endpoint configuration.
	router.Get("/healthz", healthHandler)
	router.Get("/health", healthHandler)
	router.Get("/readyz", readyHandler(readiness))

	return router, nil
}

// ReadinessCheck reports whether the daemon's dependencies (database, chain
// endpoints) are reachable.
type ReadinessCheck func(ctx context.Context) error

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func readyHandler(check ReadinessCheck) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if check == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), time.Second*5)
		defer cancel()
		if err := check(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(struct {
				Error string `json:"error"`
			}{Error: err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Router provides a nice api around mux.Router.
type Router struct {
	r *mux.Router
}

// NewRouter is a Mux HTTP router constructor.
func NewRouter() *Router {
	r := mux.NewRouter()
	r.PathPrefix("/").Methods(http.MethodOptions) // accept OPTIONS on all routes and do nothing
	return &Router{r: r}
}

// Get creates a subroute on the specified URI that only accepts GET. You can provide specific middlewares.
func (r *Router) Get(uri string, f func(http.ResponseWriter, *http.Request), mid ...mux.MiddlewareFunc) {
	sub := r.r.Path(uri).Subrouter()
	sub.HandleFunc("", f).Methods(http.MethodGet)
	sub.Use(mid...)
}

// Post creates a subroute on the specified URI that only accepts POST. You can provide specific middlewares.
func (r *Router) Post(uri string, f func(http.ResponseWriter, *http.Request), mid ...mux.MiddlewareFunc) {
	sub := r.r.Path(uri).Subrouter()
	sub.HandleFunc("", f).Methods(http.MethodPost)
	sub.Use(mid...)
}

// Delete creates a subroute on the specified URI that only accepts DELETE. You can provide specific middlewares.
func (r *Router) Delete(uri string, f func(http.ResponseWriter, *http.Request), mid ...mux.MiddlewareFunc) {
	sub := r.r.Path(uri).Subrouter()
	sub.HandleFunc("", f).Methods(http.MethodDelete)
	sub.Use(mid...)
}

// Use adds middlewares to all routes. Should be used when a middleware should be execute all all routes (e.g. CORS).
func (r *Router) Use(mid ...mux.MiddlewareFunc) {
	r.r.Use(mid...)
}

// Handler returns the configured router http handler.
func (r *Router) Handler() http.Handler {
	return r.r
}
