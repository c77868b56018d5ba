package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/heraldmail/herald/internal/domain"
	"github.com/heraldmail/herald/pkg/logger"
)

// DispatchHandler handles scheduling and manual runs of queue processing.
// Host and port default to the configured SMTP relay when the caller leaves
// them out.
type DispatchHandler struct {
	scheduler   domain.SchedulerServiceInterface
	dispatcher  domain.DispatchServiceInterface
	defaultHost string
	defaultPort int
	logger      logger.Logger
}

// NewDispatchHandler creates a new dispatch handler
func NewDispatchHandler(
	scheduler domain.SchedulerServiceInterface,
	dispatcher domain.DispatchServiceInterface,
	defaultHost string,
	defaultPort int,
	log logger.Logger,
) *DispatchHandler {
	return &DispatchHandler{
		scheduler:   scheduler,
		dispatcher:  dispatcher,
		defaultHost: defaultHost,
		defaultPort: defaultPort,
		logger:      log,
	}
}

// RegisterRoutes registers the dispatch routes
func (h *DispatchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/dispatch.schedule", h.handleSchedule)
	mux.HandleFunc("/api/dispatch.run", h.handleRun)
}

type schedulePayload struct {
	IntervalMinutes *int   `json:"interval_minutes"`
	Host            string `json:"host,omitempty"`
	Port            int    `json:"port,omitempty"`
}

func (h *DispatchHandler) target(host string, port int) (string, int) {
	if host == "" {
		host = h.defaultHost
	}
	if port == 0 {
		port = h.defaultPort
	}
	return host, port
}

func (h *DispatchHandler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload schedulePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	host, port := h.target(payload.Host, payload.Port)
	if err := h.scheduler.ScheduleProcess(r.Context(), payload.IntervalMinutes, host, port); err != nil {
		var validationErr domain.ValidationError
		if errors.As(err, &validationErr) {
			WriteJSONError(w, validationErr.Error(), http.StatusBadRequest)
			return
		}
		h.logger.WithField("error", err.Error()).Error("Failed to schedule dispatch")
		WriteJSONError(w, "Failed to schedule dispatch", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scheduled": payload.IntervalMinutes != nil,
	})
}

type runPayload struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

func (h *DispatchHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload runPayload
	if r.Body != nil {
		// Body is optional for a manual run.
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}

	host, port := h.target(payload.Host, payload.Port)
	if err := h.dispatcher.ProcessQueue(r.Context(), host, port); err != nil {
		h.logger.WithField("error", err.Error()).Error("Queue processing failed")
		WriteJSONError(w, "Queue processing failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"processed": true,
	})
}
