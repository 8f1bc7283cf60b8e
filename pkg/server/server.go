// Package server exposes the planner over HTTP: status, the current plan,
// plan history, settings, and a websocket that pushes each newly accepted
// plan.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"

	"github.com/helioplan/helioplan/pkg/log"
	"github.com/helioplan/helioplan/pkg/plan"
	"github.com/helioplan/helioplan/pkg/storage"
	"github.com/helioplan/helioplan/pkg/types"
)

// Server handles the HTTP API for the Helioplan planner.
type Server struct {
	planner *plan.Planner
	storage storage.Database

	listenAddr string
	serverName string
	httpServer *http.Server

	auth *authenticator
	hub  *wsHub
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(p *plan.Planner, db storage.Database) *Server {
	srv := &Server{
		planner:    p,
		storage:    db,
		serverName: "helioplan",
		hub:        newWSHub(),
	}

	// get the port from PORT when running in a managed container
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")

	srv.auth = configuredAuthenticator()

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})

	// the hub gets every accepted plan
	p.OnPlan(srv.hub.broadcast)

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/plan", s.handlePlan)
	apiMux.HandleFunc("GET /api/history/plans", s.handlePlanHistory)
	apiMux.HandleFunc("GET /api/history/energy", s.handleEnergyHistory)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.auth.require(s.handleUpdateSettings))
	apiMux.HandleFunc("GET /api/ws", s.hub.handleWS)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiMux)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(mux))
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capture server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		s.hub.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.planner.Status())
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.planner.LastPlan(); ok {
		writeJSON(w, p)
		return
	}
	// fall back to the last persisted plan after a restart
	p, err := s.storage.GetLatestPlan(r.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, "no plan yet", http.StatusNotFound)
			return
		}
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to load latest plan", slog.Any("error", err))
		writeJSONError(w, "failed to load plan", http.StatusInternalServerError)
		return
	}
	writeJSON(w, p)
}

// parseRange reads start/end query parameters, defaulting to the last day.
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	end := time.Now()
	start := end.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return start, end, fmt.Errorf("invalid start: %w", err)
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return start, end, fmt.Errorf("invalid end: %w", err)
		}
		end = t
	}
	return start, end, nil
}

func (s *Server) handlePlanHistory(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseRange(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	plans, err := s.storage.GetPlanHistory(r.Context(), start, end)
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to load plan history", slog.Any("error", err))
		writeJSONError(w, "failed to load plan history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, plans)
}

func (s *Server) handleEnergyHistory(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseRange(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	days, err := s.storage.GetEnergyDays(r.Context(), start, end)
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to load energy history", slog.Any("error", err))
		writeJSONError(w, "failed to load energy history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, days)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, version, err := s.storage.GetSettings(r.Context())
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to load settings", slog.Any("error", err))
		writeJSONError(w, "failed to load settings", http.StatusInternalServerError)
		return
	}
	migrated, _, err := types.MigrateSettings(settings, version)
	if err != nil {
		writeJSONError(w, "failed to migrate settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, migrated)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	// unknown knobs are rejected rather than silently dropped
	dec.DisallowUnknownFields()
	var settings types.Settings
	if err := dec.Decode(&settings); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid settings: %v", err), http.StatusBadRequest)
		return
	}
	if err := validateSettings(settings); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	// fill defaults for anything the payload left at zero
	settings, _, err := types.MigrateSettings(settings, 0)
	if err != nil {
		writeJSONError(w, "failed to migrate settings", http.StatusInternalServerError)
		return
	}
	if err := s.storage.SetSettings(r.Context(), settings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, settings)
}

// validateSettings bounds the knobs that would wedge the optimiser.
func validateSettings(s types.Settings) error {
	if s.BestSOCStep < 0 {
		return fmt.Errorf("bestSOCStep must not be negative")
	}
	if s.PVMetric10Weight < 0 || s.PVMetric10Weight > 1 {
		return fmt.Errorf("pvMetric10Weight must be in [0, 1]")
	}
	if s.MaxWindows < 0 {
		return fmt.Errorf("maxWindows must not be negative")
	}
	if s.RateLowThreshold < 0 || s.RateHighThreshold < 0 {
		return fmt.Errorf("rate thresholds must not be negative")
	}
	if s.Workers < -1 {
		return fmt.Errorf("workers must be -1 (auto), 0 (sync) or a positive count")
	}
	for i, c := range s.Cars {
		if c.SizeKWH <= 0 {
			return fmt.Errorf("car %d needs a battery size", i)
		}
		if c.ChargeRateKW < 0 || c.SOCKWH < 0 || c.LimitKWH < 0 {
			return fmt.Errorf("car %d has negative values", i)
		}
		if c.LimitKWH > c.SizeKWH {
			return fmt.Errorf("car %d limit exceeds its battery size", i)
		}
	}
	return nil
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
