package api

import (
	"github.com/mihaimyh/godonate/pkg/donation"
	"github.com/mihaimyh/godonate/pkg/gateway"
)

// CheckoutRequest is the body of POST /donations/checkout
type CheckoutRequest struct {
	AmountCents   int64  `json:"amountCents"`
	CampaignID    string `json:"campaignId" validate:"max=128"`
	ParticipantID string `json:"participantId,omitempty" validate:"omitempty,max=128"`
	DonorEmail    string `json:"donorEmail,omitempty" validate:"omitempty,email,max=254"`
	DonorName     string `json:"donorName,omitempty" validate:"omitempty,max=200"`
	Message       string `json:"message,omitempty"`
}

// ConfirmRequest is the body of POST /donations/confirm
type ConfirmRequest struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required,max=255"`
}

// RefundRequest is the body of POST /donations/{id}/refund. Both fields are
// optional; an empty body refunds the remaining balance.
type RefundRequest struct {
	AmountCents int64                `json:"amountCents,omitempty" validate:"gte=0"`
	Reason      gateway.RefundReason `json:"reason,omitempty" validate:"omitempty,oneof=duplicate fraudulent requested_by_customer"`
}

// DonationResponse wraps a single donation
type DonationResponse struct {
	Donation *donation.Donation `json:"donation"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status string `json:"status"`
}
