// Package admin serves the interceptor monitoring API:
//
//	GET  /interceptor/status?limit=N   stats, recent records and settings
//	POST /interceptor/control          {"action": "enable" | "disable" | "clear_recent" | "reset_stats"}
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MrWong99/voicegate/internal/health"
	"github.com/MrWong99/voicegate/internal/intercept"
)

// DefaultLimit is the number of recent records returned when the request
// does not set one.
const DefaultLimit = 10

// maxBodyBytes bounds control request bodies.
const maxBodyBytes = 4 << 10

// Handler serves the admin endpoints for one interceptor.
type Handler struct {
	ic *intercept.Interceptor
}

// New creates a Handler for ic.
func New(ic *intercept.Interceptor) *Handler {
	return &Handler{ic: ic}
}

// Register adds the admin routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /interceptor/status", h.handleStatus)
	mux.HandleFunc("POST /interceptor/control", h.handleControl)
}

// StatusResponse is the body of GET /interceptor/status.
type StatusResponse struct {
	Status         string             `json:"status"`
	Stats          intercept.Stats    `json:"interceptor_stats"`
	RecentRequests []intercept.Record `json:"recent_requests"`
	Config         Settings           `json:"config"`
}

// Settings is the runtime configuration snapshot in a status response.
type Settings struct {
	Enabled     bool `json:"enabled"`
	LogRequests bool `json:"log_requests"`
	MaxWorkers  int  `json:"max_workers"`
}

// ControlRequest is the body of POST /interceptor/control.
type ControlRequest struct {
	Action string `json:"action"`
}

// ControlResponse is the body of a successful control request.
type ControlResponse struct {
	Status       string          `json:"status"`
	Message      string          `json:"message"`
	CurrentStats intercept.Stats `json:"current_stats"`
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	limit := DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			health.WriteJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	store := h.ic.Store()
	health.WriteJSON(w, http.StatusOK, StatusResponse{
		Status:         "success",
		Stats:          store.Stats(),
		RecentRequests: store.Recent(limit),
		Config: Settings{
			Enabled:     store.Enabled(),
			LogRequests: store.LogRequests(),
			MaxWorkers:  h.ic.Pool().Workers(),
		},
	})
}

func (h *Handler) handleControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		health.WriteJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Error: "invalid request body"})
		return
	}

	store := h.ic.Store()
	var message string
	switch req.Action {
	case "enable":
		store.SetEnabled(true)
		message = "interceptor enabled"
	case "disable":
		store.SetEnabled(false)
		message = "interceptor disabled"
	case "clear_recent":
		store.Clear()
		message = "recent requests cleared"
	case "reset_stats":
		store.Reset()
		message = "statistics reset"
	default:
		health.WriteJSON(w, http.StatusBadRequest, errorResponse{Status: "unsupported_action", Error: "unsupported action: " + req.Action})
		return
	}

	slog.Info("admin: interceptor control", "action", req.Action, "remote", r.RemoteAddr)
	health.WriteJSON(w, http.StatusOK, ControlResponse{
		Status:       "success",
		Message:      message,
		CurrentStats: store.Stats(),
	})
}
