package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"offlinenav/pkg/tracker"
	"offlinenav/pkg/version"
)

// NewServer creates and configures the HTTP server. nav and loc may be nil
// when the corresponding services are disabled.
func NewServer(addr string, tr *tracker.Tracker, stats *StatsHandler, packs *PackHandler, nav *NavHandler, loc *LocationHandler, shutdown func()) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /api/version", handleVersion)
	mux.Handle("GET /api/stats", stats)
	mux.Handle("GET /metrics", MetricsHandler(tr))
	mux.HandleFunc("GET /api/log/recent", handleRecentLog)

	mux.HandleFunc("GET /api/packs", packs.HandleList)
	mux.HandleFunc("POST /api/packs", packs.HandleCreate)
	mux.HandleFunc("GET /api/packs/estimate", packs.HandleEstimate)
	mux.HandleFunc("GET /api/packs/covering", packs.HandleCovering)
	mux.HandleFunc("GET /api/packs/{id}", packs.HandleGet)
	mux.HandleFunc("GET /api/packs/{id}/data", packs.HandleData)
	mux.HandleFunc("GET /api/packs/{id}/text", packs.HandleText)
	mux.HandleFunc("GET /api/packs/{id}/geojson", packs.HandleGeoJSON)
	mux.HandleFunc("DELETE /api/packs/{id}", packs.HandleDelete)

	if nav != nil {
		mux.HandleFunc("GET /api/nearby", nav.HandleNearby)
		mux.HandleFunc("GET /api/route", nav.HandleRoute)
	}

	if loc != nil {
		mux.HandleFunc("GET /api/location", loc.HandleGet)
		mux.HandleFunc("POST /api/location", loc.HandlePost)
		mux.HandleFunc("GET /api/location/watch", loc.HandleWatch)
	}

	if shutdown != nil {
		mux.HandleFunc("POST /api/shutdown", func(w http.ResponseWriter, r *http.Request) {
			slog.Info("Graceful shutdown initiated via API")
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("Shutting down...")); err != nil {
				slog.Error("Failed to write shutdown response", "error", err)
			}
			go func() {
				time.Sleep(100 * time.Millisecond)
				shutdown()
			}()
		})
	}

	return &http.Server{
		Addr:         addr,
		Handler:      recoverMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // pack downloads wait on upstream searches
		IdleTimeout:  60 * time.Second,
	}
}

// recoverMiddleware turns handler panics into a JSON 500.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("Handler panic", "method", r.Method, "path", r.URL.Path, "panic", rec)
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Something went wrong"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error("Failed to write health response", "error", err)
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := fmt.Fprintf(w, `{"version": %q}`, version.Version); err != nil {
		slog.Error("Failed to write version response", "error", err)
	}
}
