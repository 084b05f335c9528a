// Package server wires HTTP handlers into a ServeMux for the Cloakroom
// application via routing helpers.
package server

import (
	"net/http"

	"github.com/rs/cors"
)

// SetupRoutes configures all application routes and wraps them with CORS
// middleware sharing the WebSocket origin allow-list.
func SetupRoutes(gateway *Gateway, metrics *Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", gateway.ServeChatPage)
	mux.HandleFunc("/ws", gateway.ServeWS)
	mux.HandleFunc("/healthz", gateway.ServeHealth)
	mux.HandleFunc("/stats", gateway.ServeStats)
	mux.Handle("/metrics", metrics.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: gateway.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}
