package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kmbridge/kmbridge/internal/api/common"
	"github.com/kmbridge/kmbridge/internal/models"
	"github.com/kmbridge/kmbridge/internal/store"
)

// JobHandler handles print job submission and lifecycle endpoints.
type JobHandler struct {
	Deps *common.Dependencies
}

func NewJobHandler(deps *common.Dependencies) *JobHandler {
	return &JobHandler{Deps: deps}
}

// Routes returns a chi.Router with all job routes
func (h *JobHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Submit)
	r.Get("/stats", h.Stats)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Cancel)
	return r
}

type submitJobRequest struct {
	DeviceID string               `json:"device_id"`
	Title    string               `json:"title,omitempty"`
	Payload  []byte               `json:"payload"` // base64 in JSON
	Settings models.PrintSettings `json:"settings"`
}

// Submit handles POST /jobs - admits a job against one device.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	req, ok := common.DecodeJSON[submitJobRequest](w, r)
	if !ok {
		return
	}
	if req.DeviceID == "" {
		common.SendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "device_id is required")
		return
	}
	if len(req.Payload) == 0 {
		common.SendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "payload is required")
		return
	}

	job, err := h.Deps.Manager.AdmitJob(r.Context(), req.DeviceID, req.Title, req.Payload, req.Settings)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.SendError(w, r, http.StatusNotFound, "NOT_FOUND", "Device not found")
			return
		}
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			common.SendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		common.SendDeviceError(w, r, err)
		return
	}
	common.SendJSON(w, http.StatusAccepted, job)
}

// List handles GET /jobs with optional device_id, status and limit
// query filters.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		DeviceID: r.URL.Query().Get("device_id"),
		Status:   models.JobStatus(strings.ToLower(r.URL.Query().Get("status"))),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			common.SendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	jobs, err := h.Deps.Store.ListJobs(r.Context(), filter)
	if common.HandleStoreError(w, r, err, "Job") {
		return
	}
	common.SendListResponse(w, jobs, len(jobs))
}

// Stats handles GET /jobs/stats - job counts per status.
func (h *JobHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Deps.Store.CountJobsByStatus(r.Context())
	if common.HandleStoreError(w, r, err, "Job") {
		return
	}
	common.SendJSON(w, http.StatusOK, map[string]interface{}{"counts": counts})
}

// Get handles GET /jobs/{id}
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.Deps.Store.GetJob(r.Context(), id)
	if common.HandleStoreError(w, r, err, "Job") {
		return
	}
	common.SendJSON(w, http.StatusOK, job)
}

// Cancel handles DELETE /jobs/{id}
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Deps.Dispatcher.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.SendError(w, r, http.StatusNotFound, "NOT_FOUND", "Job not found")
			return
		}
		// Terminal jobs cannot be cancelled.
		common.SendError(w, r, http.StatusConflict, "JOB_TERMINAL", err.Error())
		return
	}
	common.SendJSON(w, http.StatusOK, map[string]string{"status": string(models.JobCancelled)})
}
