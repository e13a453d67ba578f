package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP routes of the offer API.
func NewRouter(h *OfferHandler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(Logger(logger))
	r.Use(CORS)

	r.Get("/health", HealthCheck)

	r.Route("/offers", func(r chi.Router) {
		r.Post("/", h.CreateOffer)
		r.Get("/{id}", h.GetOffer)
		r.Get("/{id}/quote", h.Quote)
		r.Post("/{id}/usage", h.UpdateUsage)
		r.Post("/{id}/participants", h.Register)
		r.Get("/{id}/participants", h.ListParticipants)
	})

	r.Route("/participants", func(r chi.Router) {
		r.Get("/{id}", h.GetParticipant)
		r.Delete("/{id}", h.DeleteParticipant)
		r.Put("/{id}/offer", h.ChangeOffer)
		r.Post("/{id}/payments", h.AddPayment)
		r.Post("/{id}/notes", h.AddNote)
	})

	return r
}
