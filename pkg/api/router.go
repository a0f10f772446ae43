package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"guesthub/pkg/api/handlers"
	"guesthub/pkg/store"
	"guesthub/pkg/utils"
)

// NewRouter builds the full HTTP surface. Handlers are registered per
// concern; the security middleware is layered on by the caller.
func NewRouter(d handlers.Deps) *mux.Router {
	handlers.Setup(d)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !store.Ready() {
			utils.JSONError(w, http.StatusServiceUnavailable, "store not ready")
			return
		}
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ready"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	// the yaml route must precede the catch-all docs prefix
	r.HandleFunc("/docs/openapi.yaml", handlers.ServeOpenAPI).Methods(http.MethodGet)
	r.PathPrefix("/docs/").Handler(httpSwagger.Handler(
		httpSwagger.URL("/docs/openapi.yaml"),
	))

	v1 := r.PathPrefix("/v1").Subrouter()
	handlers.RegisterWebhooks(v1)
	handlers.RegisterThreads(v1)
	handlers.RegisterGuests(v1)
	handlers.RegisterSockets(v1)
	handlers.RegisterAdmin(v1)
	return r
}
