package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/heraldmail/herald/internal/domain"
	"github.com/heraldmail/herald/pkg/logger"
)

// RequestHandler handles the notification request API endpoints
type RequestHandler struct {
	service domain.RequestServiceInterface
	logger  logger.Logger
}

// NewRequestHandler creates a new request handler
func NewRequestHandler(service domain.RequestServiceInterface, log logger.Logger) *RequestHandler {
	return &RequestHandler{
		service: service,
		logger:  log,
	}
}

// RegisterRoutes registers the request routes
func (h *RequestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/requests.create", h.handleCreate)
	mux.HandleFunc("/api/requests.cancel", h.handleCancel)
	mux.HandleFunc("/api/requests.get", h.handleGet)
	mux.HandleFunc("/api/queue.stats", h.handleStats)
}

func (h *RequestHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var input domain.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		WriteJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.service.PostRequest(r.Context(), &input)
	if err != nil {
		var validationErr domain.ValidationError
		if errors.As(err, &validationErr) {
			WriteJSONError(w, validationErr.Error(), http.StatusBadRequest)
			return
		}
		var notFound *domain.ErrNotFound
		if errors.As(err, &notFound) {
			WriteJSONError(w, notFound.Error(), http.StatusBadRequest)
			return
		}
		h.logger.WithField("error", err.Error()).Error("Failed to post request")
		WriteJSONError(w, "Failed to post request", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"request_id": id,
	})
}

type cancelRequestPayload struct {
	RequestID int64 `json:"request_id"`
}

func (h *RequestHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload cancelRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if payload.RequestID <= 0 {
		WriteJSONError(w, "request_id is required", http.StatusBadRequest)
		return
	}

	if err := h.service.CancelRequest(r.Context(), payload.RequestID); err != nil {
		var notFound *domain.ErrNotFound
		if errors.As(err, &notFound) {
			WriteJSONError(w, notFound.Error(), http.StatusNotFound)
			return
		}
		h.logger.WithField("error", err.Error()).Error("Failed to cancel request")
		WriteJSONError(w, "Failed to cancel request", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled": true,
	})
}

func (h *RequestHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		WriteJSONError(w, "id is required", http.StatusBadRequest)
		return
	}

	result, err := h.service.GetRequest(r.Context(), id)
	if err != nil {
		var notFound *domain.ErrNotFound
		if errors.As(err, &notFound) {
			WriteJSONError(w, notFound.Error(), http.StatusNotFound)
			return
		}
		h.logger.WithField("error", err.Error()).Error("Failed to get request")
		WriteJSONError(w, "Failed to get request", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *RequestHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("Failed to get queue stats")
		WriteJSONError(w, "Failed to get queue stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats": stats,
	})
}
