package main

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synqronlabs/kestrel"
)

type healthReport struct {
	Status   string `json:"status"`
	Hostname string `json:"hostname"`
	Sessions int    `json:"sessions"`
}

func newAdminRouter(registry *prometheus.Registry, server *kestrel.Server) *httprouter.Router {
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthReport{
			Status:   "ok",
			Hostname: server.Config().Hostname,
			Sessions: server.ActiveSessions(),
		})
	})
	return router
}
