package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"recycle-rewards-api/internal/database"
	"recycle-rewards-api/internal/models"
	"recycle-rewards-api/internal/service"
	"recycle-rewards-api/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB, capture payloads carry labels rather than images
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
	}
}

// RegisterStudent handles POST /students
func (h *Handler) RegisterStudent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.RegisterStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	req.ID = validation.SanitizeString(req.ID)
	req.Name = validation.SanitizeString(req.Name)

	student, err := h.service.RegisterStudent(r.Context(), req.ID, req.Name)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, student)
}

// GetStudent handles GET /students/{student_id}
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	studentID := validation.SanitizeString(chi.URLParam(r, "student_id"))
	if studentID == "" {
		h.respondError(w, http.StatusBadRequest, "student_id is required")
		return
	}

	now, ok := h.parseNow(w, r)
	if !ok {
		return
	}

	snapshot, err := h.service.GetStudent(r.Context(), studentID, now)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, snapshot)
}

// RecordCapture handles POST /students/{student_id}/captures
func (h *Handler) RecordCapture(w http.ResponseWriter, r *http.Request) {
	studentID := validation.SanitizeString(chi.URLParam(r, "student_id"))
	if studentID == "" {
		h.respondError(w, http.StatusBadRequest, "student_id is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	req.ImagePath = validation.SanitizeString(req.ImagePath)
	for i := range req.Predictions {
		req.Predictions[i].Label = validation.SanitizeString(req.Predictions[i].Label)
	}

	result, err := h.service.RecordCapture(r.Context(), studentID, req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, result)
}

// GetClaimable handles GET /students/{student_id}/claimable
func (h *Handler) GetClaimable(w http.ResponseWriter, r *http.Request) {
	studentID := validation.SanitizeString(chi.URLParam(r, "student_id"))
	if studentID == "" {
		h.respondError(w, http.StatusBadRequest, "student_id is required")
		return
	}

	now, ok := h.parseNow(w, r)
	if !ok {
		return
	}

	n, err := h.service.ClaimableNow(r.Context(), studentID, now)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, models.ClaimableResponse{
		StudentID:    studentID,
		ClaimableNow: n,
	})
}

// ClaimTicket handles POST /students/{student_id}/claims
func (h *Handler) ClaimTicket(w http.ResponseWriter, r *http.Request) {
	studentID := validation.SanitizeString(chi.URLParam(r, "student_id"))
	if studentID == "" {
		h.respondError(w, http.StatusBadRequest, "student_id is required")
		return
	}

	now, ok := h.parseNow(w, r)
	if !ok {
		return
	}

	result, err := h.service.ClaimTicket(r.Context(), studentID, now)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, result)
}

// RedeemTickets handles POST /students/{student_id}/redemptions (admin only)
func (h *Handler) RedeemTickets(w http.ResponseWriter, r *http.Request) {
	studentID := validation.SanitizeString(chi.URLParam(r, "student_id"))
	if studentID == "" {
		h.respondError(w, http.StatusBadRequest, "student_id is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	req.Note = validation.SanitizeString(req.Note)

	result, err := h.service.RedeemTickets(r.Context(), studentID, req.Qty, req.Note)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, result)
}

// ListRedemptions handles GET /students/{student_id}/redemptions (admin only)
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	studentID := validation.SanitizeString(chi.URLParam(r, "student_id"))
	if studentID == "" {
		h.respondError(w, http.StatusBadRequest, "student_id is required")
		return
	}

	redemptions, err := h.service.ListRedemptions(r.Context(), studentID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if redemptions == nil {
		redemptions = []models.Redemption{}
	}

	h.respondJSON(w, http.StatusOK, models.RedemptionsResponse{
		StudentID:   studentID,
		Redemptions: redemptions,
	})
}

// ListHistory handles GET /students/{student_id}/history
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	studentID := validation.SanitizeString(chi.URLParam(r, "student_id"))
	if studentID == "" {
		h.respondError(w, http.StatusBadRequest, "student_id is required")
		return
	}

	history, err := h.service.ListHistory(r.Context(), studentID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if history == nil {
		history = []models.HistoryEntry{}
	}

	h.respondJSON(w, http.StatusOK, models.HistoryResponse{
		StudentID: studentID,
		History:   history,
	})
}

// parseNow reads the optional 'now' query parameter (RFC3339), defaulting to
// the current time. The override keeps period-rollover behavior testable end
// to end.
func (h *Handler) parseNow(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	now := time.Now().UTC()
	if nowParam := r.URL.Query().Get("now"); nowParam != "" {
		parsed, err := validation.ValidateTimeString(validation.SanitizeString(nowParam))
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid 'now' parameter, must be RFC3339 format")
			return time.Time{}, false
		}
		now = parsed.UTC()
	}
	return now, true
}

// respondServiceError maps domain errors to HTTP status codes. Each error kind
// reflects exactly which invariant blocked the operation.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var vErr *validation.ValidationError

	switch {
	case errors.As(err, &vErr):
		h.respondError(w, http.StatusBadRequest, vErr.Error())
	case errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrNoPredictions):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "student not found")
	case errors.Is(err, database.ErrAlreadyExists):
		h.respondError(w, http.StatusConflict, "student already exists")
	case errors.Is(err, service.ErrNotEligible),
		errors.Is(err, database.ErrInsufficientPoints),
		errors.Is(err, database.ErrInsufficientTickets),
		errors.Is(err, database.ErrMonthlyCapReached):
		h.respondError(w, http.StatusConflict, err.Error())
	default:
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
