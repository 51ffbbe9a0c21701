package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/GoCodeAlone/pipeline-engine/plugin"
	"github.com/GoCodeAlone/pipeline-engine/store"
)

// jobsHandler serves read-only job, step and task records.
type jobsHandler struct {
	store store.Store
}

func newJobsHandler(s store.Store) *jobsHandler {
	return &jobsHandler{store: s}
}

func (h *jobsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/flows/{flow}/jobs", h.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.getJob)
	mux.HandleFunc("GET /api/jobs/{id}/steps", h.listSteps)
	mux.HandleFunc("GET /api/jobs/{id}/tasks", h.listTasks)
}

func (h *jobsHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs(r.Context(), r.PathValue("flow"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs, "total": len(jobs)})
}

func (h *jobsHandler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *jobsHandler) listSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.store.ListSteps(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": steps, "total": len(steps)})
}

func (h *jobsHandler) listTasks(w http.ResponseWriter, r *http.Request) {
	results, err := h.store.ListTaskResults(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": results, "total": len(results)})
}

// pluginsHandler lists the plugins steps and tasks can reference.
type pluginsHandler struct {
	plugins plugin.Lister
}

func (h *pluginsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/plugins", h.list)
}

func (h *pluginsHandler) list(w http.ResponseWriter, _ *http.Request) {
	names, err := h.plugins.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": names, "total": len(names)})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
