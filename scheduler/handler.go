package scheduler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Handler provides HTTP endpoints for flow schedules.
type Handler struct {
	scheduler *CronScheduler
}

// NewHandler creates a new scheduler HTTP handler.
func NewHandler(scheduler *CronScheduler) *Handler {
	return &Handler{scheduler: scheduler}
}

// RegisterRoutes registers scheduler API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/schedules", h.listSchedules)
	mux.HandleFunc("GET /api/schedules/preview", h.previewNextRuns)
	mux.HandleFunc("GET /api/schedules/{flow}", h.getSchedule)
	mux.HandleFunc("DELETE /api/schedules/{flow}", h.removeSchedule)
	mux.HandleFunc("POST /api/schedules/{flow}/pause", h.pauseSchedule)
	mux.HandleFunc("POST /api/schedules/{flow}/resume", h.resumeSchedule)
	mux.HandleFunc("POST /api/schedules/{flow}/execute", h.executeFlow)
	mux.HandleFunc("GET /api/schedules/{flow}/history", h.flowHistory)
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	items := h.scheduler.List()
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.scheduler.Get(r.PathValue("flow"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (h *Handler) removeSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Remove(r.PathValue("flow")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("flow")
	if err := h.scheduler.Pause(name); err != nil {
		writeError(w, err)
		return
	}
	sc, _ := h.scheduler.Get(name)
	writeJSON(w, http.StatusOK, sc)
}

func (h *Handler) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("flow")
	if err := h.scheduler.Resume(name); err != nil {
		writeError(w, err)
		return
	}
	sc, _ := h.scheduler.Get(name)
	writeJSON(w, http.StatusOK, sc)
}

func (h *Handler) executeFlow(w http.ResponseWriter, r *http.Request) {
	rec, err := h.scheduler.ExecuteNow(r.Context(), r.PathValue("flow"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) flowHistory(w http.ResponseWriter, r *http.Request) {
	recs := h.scheduler.History(r.PathValue("flow"))
	writeJSON(w, http.StatusOK, map[string]any{"items": recs, "total": len(recs)})
}

func (h *Handler) previewNextRuns(w http.ResponseWriter, r *http.Request) {
	cronExpr := r.URL.Query().Get("cron")
	if cronExpr == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cron query parameter required"})
		return
	}
	count := 5
	if countStr := r.URL.Query().Get("count"); countStr != "" {
		if n, err := strconv.Atoi(countStr); err == nil && n > 0 && n <= 20 {
			count = n
		}
	}

	times, err := NextRuns(cronExpr, time.Now(), count)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cronExpr": cronExpr, "nextRuns": times})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
