package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"guardian-checkin-service/pkg/config"
	"guardian-checkin-service/pkg/handlers"
)

func NewRouter(h *handlers.Handler, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	// API routes
	router.HandleFunc("/api/register", h.Register).Methods("POST")
	router.HandleFunc("/api/checkin/enable", h.EnableMonitoring).Methods("POST")
	router.HandleFunc("/api/checkin/disable", h.DisableMonitoring).Methods("POST")
	router.HandleFunc("/api/checkin/respond", h.RespondCheckin).Methods("POST")
	router.HandleFunc("/api/ivr/respond", h.RespondCall).Methods("POST")
	router.HandleFunc("/api/location/update", h.UpdateLocation).Methods("POST")
	router.HandleFunc("/api/incident/resolve", h.ResolveIncident).Methods("POST")
	router.HandleFunc("/api/session/{userId}", h.GetSession).Methods("GET")

	// Realtime channel
	router.HandleFunc("/api/events/{userId}", h.Events).Methods("GET")

	// Operational endpoints
	router.HandleFunc("/health", h.Health).Methods("GET")
	router.HandleFunc("/status", h.Status).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.Use(loggingMiddleware(logger))

	return router
}

func NewHTTPServer(cfg *config.Config, h *handlers.Handler, logger *logrus.Logger) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      NewRouter(h, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}
