package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/chainsync/internal/discovery"
	"github.com/sells-group/chainsync/internal/enrichment"
	"github.com/sells-group/chainsync/internal/monitoring"
	"github.com/sells-group/chainsync/internal/queue"
	"github.com/sells-group/chainsync/pkg/solana"
)

// statusResponse is served on /stats.
type statusResponse struct {
	*monitoring.Snapshot
	WorkerRunning bool `json:"worker_running"`
}

// buildRouter wires the status API. ctx bounds work started by endpoints
// that outlive their request; callers wait for it with Scanner.Wait.
func buildRouter(ctx context.Context, env *syncEnv, collector *monitoring.Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		snap, err := collector.Collect(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Snapshot: snap, WorkerRunning: env.Worker.Running()})
	})

	r.Method(http.MethodGet, "/metrics", env.Metrics.Handler())

	r.Post("/scan", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProgramID string `json:"program_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := solana.ValidateAddress(req.ProgramID); err != nil {
			writeError(w, http.StatusBadRequest, "program_id must be a base58 address")
			return
		}

		// Scans pace themselves over minutes; run detached from the request.
		err := env.Scanner.Start(ctx, req.ProgramID, func(res *discovery.ScanResult, err error) {
			if err != nil {
				zap.L().Error("api scan failed", zap.String("program_id", req.ProgramID), zap.Error(err))
				return
			}
			zap.L().Info("api scan complete",
				zap.String("program_id", req.ProgramID),
				zap.Int("enqueued", res.Enqueued),
			)
		})
		switch {
		case errors.Is(err, discovery.ErrScanInProgress):
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":     "accepted",
			"program_id": req.ProgramID,
		})
	})

	r.Post("/enrichment/cycle", func(w http.ResponseWriter, r *http.Request) {
		res, err := env.Worker.RunCycle(r.Context())
		switch {
		case errors.Is(err, enrichment.ErrCycleInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(w, http.StatusOK, res)
		}
	})

	r.Get("/dead-letters", func(w http.ResponseWriter, r *http.Request) {
		if env.Consumer == nil {
			writeError(w, http.StatusNotImplemented, "queue driver has no consumer side")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		jobs, err := env.Consumer.DeadLetters(r.Context(), r.URL.Query().Get("topic"), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if jobs == nil {
			jobs = []queue.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
