package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kmbridge/kmbridge/internal/api/common"
	"github.com/kmbridge/kmbridge/internal/models"
	"github.com/kmbridge/kmbridge/internal/store"
)

// DeviceHandler handles fleet discovery and device endpoints.
type DeviceHandler struct {
	Deps *common.Dependencies
}

func NewDeviceHandler(deps *common.Dependencies) *DeviceHandler {
	return &DeviceHandler{Deps: deps}
}

// Routes returns a chi.Router with all device routes
func (h *DeviceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Add)
	r.Post("/discover/network", h.DiscoverNetwork)
	r.Post("/discover/ips", h.DiscoverAddresses)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	r.Get("/{id}/status", h.Status)
	r.Post("/{id}/test", h.Test)
	return r
}

type discoverNetworkRequest struct {
	Target string `json:"target"`
}

type discoverAddressesRequest struct {
	Addresses []string `json:"addresses"`
}

type addDeviceRequest struct {
	Address  string             `json:"address"`
	Password string             `json:"password,omitempty"`
	Adapter  models.AdapterKind `json:"adapter,omitempty"`
}

// DiscoverNetwork handles POST /devices/discover/network - scans a CIDR
// block or address range for fleet devices.
func (h *DeviceHandler) DiscoverNetwork(w http.ResponseWriter, r *http.Request) {
	req, ok := common.DecodeJSON[discoverNetworkRequest](w, r)
	if !ok {
		return
	}
	if req.Target == "" {
		common.SendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "target is required")
		return
	}

	found, err := h.Deps.Manager.DiscoverNetwork(r.Context(), req.Target)
	if err != nil {
		common.SendError(w, r, http.StatusBadRequest, "INVALID_TARGET", err.Error())
		return
	}
	common.SendListResponse(w, found, len(found))
}

// DiscoverAddresses handles POST /devices/discover/ips - probes an
// explicit list of addresses.
func (h *DeviceHandler) DiscoverAddresses(w http.ResponseWriter, r *http.Request) {
	req, ok := common.DecodeJSON[discoverAddressesRequest](w, r)
	if !ok {
		return
	}
	if len(req.Addresses) == 0 {
		common.SendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "addresses is required")
		return
	}

	found, err := h.Deps.Manager.DiscoverAddresses(r.Context(), req.Addresses)
	if err != nil {
		common.SendError(w, r, http.StatusBadRequest, "INVALID_TARGET", err.Error())
		return
	}
	common.SendListResponse(w, found, len(found))
}

// Add handles POST /devices - registers a single device by address,
// optionally with a known admin password and adapter kind.
func (h *DeviceHandler) Add(w http.ResponseWriter, r *http.Request) {
	req, ok := common.DecodeJSON[addDeviceRequest](w, r)
	if !ok {
		return
	}
	if req.Address == "" {
		common.SendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "address is required")
		return
	}

	dev, err := h.Deps.Manager.AddDevice(r.Context(), req.Address, req.Password, req.Adapter)
	if err != nil {
		common.SendDeviceError(w, r, err)
		return
	}
	common.SendJSON(w, http.StatusCreated, dev)
}

// List handles GET /devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devs := h.Deps.Manager.List()
	common.SendListResponse(w, devs, len(devs))
}

// Get handles GET /devices/{id}
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dev, ok := h.Deps.Manager.Get(id)
	if !ok {
		common.SendError(w, r, http.StatusNotFound, "NOT_FOUND", "Device not found")
		return
	}
	common.SendJSON(w, http.StatusOK, dev)
}

// Delete handles DELETE /devices/{id}
func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Deps.Manager.Remove(r.Context(), id); err != nil {
		if common.HandleStoreError(w, r, err, "Device") {
			return
		}
	}
	common.SendJSON(w, http.StatusNoContent, nil)
}

// Status handles GET /devices/{id}/status - live probe of one device.
func (h *DeviceHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := h.Deps.Manager.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.SendError(w, r, http.StatusNotFound, "NOT_FOUND", "Device not found")
			return
		}
		common.SendDeviceError(w, r, err)
		return
	}
	common.SendJSON(w, http.StatusOK, info)
}

// Test handles POST /devices/{id}/test - runs the per-transport
// connection checks.
func (h *DeviceHandler) Test(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	results, err := h.Deps.Manager.Test(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.SendError(w, r, http.StatusNotFound, "NOT_FOUND", "Device not found")
			return
		}
		common.SendDeviceError(w, r, err)
		return
	}
	common.SendJSON(w, http.StatusOK, map[string]interface{}{"checks": results})
}
