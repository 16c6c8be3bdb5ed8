// Package api exposes the donation service over HTTP.
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/godonate/pkg/donation"
	"github.com/mihaimyh/godonate/pkg/gateway"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerSignature      = "Stripe-Signature"
)

// Handler provides the donation HTTP endpoints
type Handler struct {
	config   Config
	validate *validator.Validate
}

// Routes returns a chi router with every endpoint mounted at its canonical path
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register mounts the endpoints on an existing chi router
func (h *Handler) Register(r chi.Router) {
	limited := r
	if h.config.Limit != nil {
		limited = r.With(h.config.Limit)
	}

	limited.Post("/donations/checkout", h.Checkout)
	limited.Post("/webhooks/stripe", h.Webhook)
	r.Post("/donations/confirm", h.Confirm)
	r.Post("/donations/{id}/refund", h.Refund)
	r.Get("/donations/fees/calculate", h.CalculateFees)
	r.Get("/healthz", h.Healthz)
}

// Checkout creates a payment intent and a pending donation
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := h.decodeJSON(w, r, &req, false); err != nil {
		h.handleError(w, r, err)
		return
	}

	res, err := h.config.Service.CreateCheckout(r.Context(), donation.CheckoutRequest{
		AmountCents:    req.AmountCents,
		CampaignID:     req.CampaignID,
		ParticipantID:  req.ParticipantID,
		DonorEmail:     req.DonorEmail,
		DonorName:      req.DonorName,
		Message:        req.Message,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(headerIdempotencyKey)),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// Confirm reconciles a donation against the provider's view of its intent
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := h.decodeJSON(w, r, &req, false); err != nil {
		h.handleError(w, r, err)
		return
	}

	d, err := h.config.Service.Confirm(r.Context(), req.PaymentIntentID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DonationResponse{Donation: d})
}

// Refund issues a full or partial refund. Privileged.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	if h.config.Authorize == nil || !h.config.Authorize(r) {
		h.writeError(w, r, http.StatusForbidden, "", errForbidden)
		return
	}

	var req RefundRequest
	if err := h.decodeJSON(w, r, &req, true); err != nil {
		h.handleError(w, r, err)
		return
	}

	res, err := h.config.Service.Refund(r.Context(), donation.RefundRequest{
		DonationID:     chi.URLParam(r, "id"),
		AmountCents:    req.AmountCents,
		Reason:         req.Reason,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(headerIdempotencyKey)),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Webhook accepts a provider notification. The body is read once and handed
// to the service unmodified.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxWebhookBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, r, http.StatusRequestEntityTooLarge, "", errBodyTooLarge)
			return
		}
		h.writeError(w, r, http.StatusBadRequest, "", fmt.Errorf("read body: %w", err))
		return
	}

	res, err := h.config.Service.HandleWebhook(r.Context(), payload, r.Header.Get(headerSignature))
	if err != nil {
		status, field := statusFor(err)
		// Anything but a rejected delivery asks the provider to retry.
		if status != http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		h.writeError(w, r, status, field, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CalculateFees previews the fee breakdown for ?amount=<cents>
func (h *Handler) CalculateFees(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("amount")
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.handleError(w, r, &donation.ValidationError{
			Field: "amount",
			Err:   fmt.Errorf("%w: amount must be an integer number of cents", donation.ErrInvalidRequest),
		})
		return
	}
	if amount < gateway.MinimumAmountCents {
		h.handleError(w, r, &donation.ValidationError{Field: "amount", Err: donation.ErrBelowMinimum})
		return
	}

	breakdown, err := h.config.Service.Fees().Calculate(amount)
	if err != nil {
		h.handleError(w, r, &donation.ValidationError{Field: "amount", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

// Healthz reports liveness
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
