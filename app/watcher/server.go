package watcher

import (
	"context"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/centichain/contribsync/pkg/supervisor"
)

// StatusResponse is served by /status.
type StatusResponse struct {
	Ready      bool              `json:"ready"`
	Supervisor supervisor.Status `json:"supervisor"`
	Now        time.Time         `json:"now"`
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	a.Server = &http.Server{
		Addr:              a.Config.Addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Router serves health probes, the supervisor status and Prometheus metrics.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if a.Healthy(ctx) {
			w.WriteHeader(200)
		} else {
			w.WriteHeader(503)
		}
	})).Methods("GET")
	r.Handle("/status", http.HandlerFunc(a.handleStatus)).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})).Methods("GET")

	return r
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(StatusResponse{
		Ready:      a.Ready(),
		Supervisor: a.Supervisor.Status(),
		Now:        time.Now().UTC(),
	})
	if err != nil {
		a.Logger.Warn("Encode status failed", zap.Error(err))
	}
}
