package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/slipway-sh/slipway/internal/authz"
	"github.com/slipway-sh/slipway/internal/pipeline"
	"github.com/slipway-sh/slipway/internal/spec"
	"github.com/slipway-sh/slipway/internal/store"
)

// Router builds the HTTP API over the pipeline engine. The actor and owner
// identities arrive in headers; authorization itself is the engine's job.
func Router(engine *pipeline.Engine) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	})

	r.Route("/deployments", func(r chi.Router) {
		r.Post("/", createDeployment(engine))
		r.Get("/", listDeployments(engine))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", getStatus(engine))
			r.Delete("/", deleteDeployment(engine))
			r.Post("/trigger", triggerDeployment(engine))
			r.Post("/rollback", rollbackDeployment(engine))
			r.Get("/logs", getLogs(engine))
			r.Post("/secrets", createSecret(engine))
			r.Get("/secrets", listSecretKeys(engine))
		})
	})
	r.Post("/runs/{id}/cancel", cancelRun(engine))
	r.Get("/metrics/summary", metricsSummary(engine))
	return r
}

func createDeployment(engine *pipeline.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ds spec.DeploymentSpec
		if err := json.NewDecoder(r.Body).Decode(&ds); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		cfg, err := engine.CreateDeploymentConfig(r.Context(), actor(r), owner(r), ds)
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cfg)
	}
}

func listDeployments(engine *pipeline.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.ListFilter{
			Environment: r.URL.Query().Get("environment"),
			Status:      r.URL.Query().Get("status"),
		}
		configs, err := engine.ListDeployments(r.Context(), owner(r), filter)
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, configs)
	}
}

func getStatus(engine *pipeline.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		report, err := engine.GetDeploymentStatus(r.Context(), id)
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func deleteDeployment(engine *pipeline.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := engine.DeleteDeploymentConfig(r.Context(), actor(r), id); err != nil {
			writePipelineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func triggerDeployment(engine *pipeline.Engine) http.HandlerFunc {
	type request struct {
		Commit string `json:"commit"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req request
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
		}
		runID, err := engine.TriggerDeployment(r.Context(), actor(r), id, req.Commit, "")
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]uint{"run_id": runID})
	}
}

func rollbackDeployment(engine *pipeline.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		runID, err := engine.RollbackDeployment(r.Context(), actor(r), id)
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]uint{"run_id": runID})
	}
}

func cancelRun(engine *pipeline.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := engine.CancelDeployment(r.Context(), actor(r), id); err != nil {
			writePipelineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func getLogs(engine *pipeline.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		limit := 10
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		logs, err := engine.GetDeploymentLogs(r.Context(), id, limit)
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

func createSecret(engine *pipeline.Engine) http.HandlerFunc {
	type request struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := engine.CreateSecret(r.Context(), actor(r), id, req.Key, req.Value); err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"key": req.Key})
	}
}

func listSecretKeys(engine *pipeline.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		keys, err := engine.ListSecretKeys(r.Context(), id)
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"keys": keys})
	}
}

func metricsSummary(engine *pipeline.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		period := 24 * time.Hour
		if raw := r.URL.Query().Get("period"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				writeError(w, http.StatusBadRequest, "period must be a positive duration")
				return
			}
			period = d
		}
		summary, err := engine.GetDeploymentMetrics(r.Context(), period)
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor-ID"); a != "" {
		return a
	}
	return "anonymous"
}

func owner(r *http.Request) string {
	if o := r.Header.Get("X-Owner-ID"); o != "" {
		return o
	}
	return "default"
}

func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id in path")
		return 0, false
	}
	return uint(id), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authz.ErrDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case pipeline.IsKind(err, pipeline.KindValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case pipeline.IsKind(err, pipeline.KindAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
