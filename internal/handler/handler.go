// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Shivanand-hulikatti/offer-engine/internal/model"
	"github.com/Shivanand-hulikatti/offer-engine/internal/repository"
	"github.com/Shivanand-hulikatti/offer-engine/internal/service"
)

// OfferHandler holds all HTTP handlers for the offer API.
type OfferHandler struct {
	svc    *service.RegistrationService
	logger *slog.Logger
}

// NewOfferHandler constructs an OfferHandler.
func NewOfferHandler(svc *service.RegistrationService, logger *slog.Logger) *OfferHandler {
	return &OfferHandler{svc: svc, logger: logger}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// statusFor maps service and domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrExists):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrCapacityExceeded), errors.Is(err, model.ErrFlagCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, model.ErrFlagOutOfRange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrPriceInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotImplemented):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *OfferHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrorWith(w, r, err, nil)
}

func (h *OfferHandler) writeErrorWith(w http.ResponseWriter, r *http.Request, err error, partial *model.ChangeOfferResult) {
	status := statusFor(err)
	resp := model.ErrorResponse{Error: err.Error(), Partial: partial}
	var de *model.Error
	if errors.As(err, &de) {
		resp.Code = de.Code
		resp.Metadata = de.Metadata
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func (h *OfferHandler) badBody(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Error: "invalid request body: " + err.Error()})
}

// ─── Offers ───────────────────────────────────────────────────────────────────

// CreateOffer handles POST /offers
func (h *OfferHandler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req model.CreateOfferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badBody(w, err)
		return
	}
	offer, err := h.svc.CreateOffer(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.NewOfferResponse(offer))
}

// GetOffer handles GET /offers/{id}
func (h *OfferHandler) GetOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.svc.GetOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.NewOfferResponse(offer))
}

// Quote handles GET /offers/{id}/quote
func (h *OfferHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.Quote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// UpdateUsage handles POST /offers/{id}/usage
// Recounts the usage of the offer from its participants.
func (h *OfferHandler) UpdateUsage(w http.ResponseWriter, r *http.Request) {
	drift, err := h.svc.UpdateUsage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drift)
}

// Register handles POST /offers/{id}/participants
func (h *OfferHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badBody(w, err)
		return
	}
	p, err := h.svc.Register(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.NewParticipantResponse(p))
}

// ListParticipants handles GET /offers/{id}/participants?deleted=true
func (h *OfferHandler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("deleted"))
	ps, err := h.svc.ListParticipants(r.Context(), chi.URLParam(r, "id"), includeDeleted)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]model.ParticipantResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, model.NewParticipantResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// ─── Participants ─────────────────────────────────────────────────────────────

// GetParticipant handles GET /participants/{id}
func (h *OfferHandler) GetParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetParticipant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.NewParticipantResponse(p))
}

// DeleteParticipant handles DELETE /participants/{id}
func (h *OfferHandler) DeleteParticipant(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteParticipant(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChangeOffer handles PUT /participants/{id}/offer
// Moves the participant to another offer, remapping its flags.
func (h *OfferHandler) ChangeOffer(w http.ResponseWriter, r *http.Request) {
	var req model.ChangeOfferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badBody(w, err)
		return
	}
	res, err := h.svc.ChangeOffer(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeErrorWith(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AddPayment handles POST /participants/{id}/payments
func (h *OfferHandler) AddPayment(w http.ResponseWriter, r *http.Request) {
	var req model.PaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badBody(w, err)
		return
	}
	p, err := h.svc.AddPayment(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.NewParticipantResponse(p))
}

// AddNote handles POST /participants/{id}/notes
func (h *OfferHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.badBody(w, err)
		return
	}
	p, err := h.svc.AddNote(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.NewParticipantResponse(p))
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
