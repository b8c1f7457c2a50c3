package handlers

import (
	"net/http"
	"time"

	"github.com/kmbridge/kmbridge/internal/api/common"
	"github.com/kmbridge/kmbridge/internal/auth"
	"github.com/kmbridge/kmbridge/internal/models"
)

type SystemHandler struct {
	Deps *common.Dependencies
}

func NewSystemHandler(deps *common.Dependencies) *SystemHandler {
	return &SystemHandler{Deps: deps}
}

// Login handles POST /api/v1/login
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := common.DecodeJSON[auth.LoginRequest](w, r)
	if !ok {
		return
	}
	if req.Username == "" || req.Password == "" {
		common.SendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "Username and password are required")
		return
	}

	response, err := h.Deps.Auth.Login(req.Username, req.Password)
	if err != nil {
		common.SendError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials")
		return
	}
	common.SendJSON(w, http.StatusOK, response)
}

// Health handles GET /health - liveness plus a fleet summary.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	byStatus := map[models.DeviceStatus]int{}
	for _, dev := range h.Deps.Manager.List() {
		byStatus[dev.Status]++
	}

	resp := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"devices":   byStatus,
	}
	if counts, err := h.Deps.Store.CountJobsByStatus(r.Context()); err == nil {
		resp["jobs"] = counts
	}
	common.SendJSON(w, http.StatusOK, resp)
}
