package common

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kmbridge/kmbridge/internal/devices"
	"github.com/kmbridge/kmbridge/internal/middleware"
	"github.com/kmbridge/kmbridge/internal/store"
)

// SendJSON sends a JSON response
func SendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// SendError sends a standardized error response
func SendError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID, _ := r.Context().Value(middleware.RequestIDKey).(string)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(middleware.ErrorResponse{
		Error: middleware.ErrorDetail{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	})
}

// DecodeJSON decodes request body with error handling
func DecodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var input T
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		SendError(w, r, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body")
		return input, false
	}
	return input, true
}

// HandleStoreError sends the appropriate response for a store error and
// reports whether one was sent.
func HandleStoreError(w http.ResponseWriter, r *http.Request, err error, entityName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, store.ErrNotFound) {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", entityName+" not found")
	} else {
		SendError(w, r, http.StatusInternalServerError, "STORE_ERROR", "Storage error")
	}
	return true
}

// SendDeviceError maps a classified device error to an HTTP status.
func SendDeviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch devices.KindOf(err) {
	case devices.KindCapabilityMismatch:
		SendError(w, r, http.StatusUnprocessableEntity, "CAPABILITY_MISMATCH", err.Error())
	case devices.KindAuthFailed:
		SendError(w, r, http.StatusBadGateway, "DEVICE_AUTH_FAILED", err.Error())
	case devices.KindUnreachable:
		SendError(w, r, http.StatusBadGateway, "DEVICE_UNREACHABLE", err.Error())
	default:
		SendError(w, r, http.StatusInternalServerError, "DEVICE_ERROR", err.Error())
	}
}

// SendListResponse sends a standardized list response
func SendListResponse(w http.ResponseWriter, data interface{}, total int) {
	SendJSON(w, http.StatusOK, map[string]interface{}{
		"data":  data,
		"total": total,
	})
}
