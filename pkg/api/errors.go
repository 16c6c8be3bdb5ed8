package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/godonate/pkg/donation"
	"github.com/mihaimyh/godonate/pkg/gateway"
)

const maxJSONBodyBytes = 64 << 10

var (
	errForbidden    = errors.New("forbidden")
	errInternal     = errors.New("internal error")
	errBodyTooLarge = errors.New("request body too large")
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON strictly decodes a single JSON value into dst and validates it.
// An empty body is accepted when allowEmpty is set.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF) && allowEmpty:
		case errors.Is(err, io.EOF):
			return &donation.ValidationError{Err: fmt.Errorf("%w: request body is required", donation.ErrInvalidRequest)}
		case errors.As(err, &maxErr):
			return &donation.ValidationError{Err: errBodyTooLarge}
		default:
			return &donation.ValidationError{Err: fmt.Errorf("%w: malformed JSON: %v", donation.ErrInvalidRequest, err)}
		}
	}
	if dec.More() {
		return &donation.ValidationError{Err: fmt.Errorf("%w: body must contain a single JSON object", donation.ErrInvalidRequest)}
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &donation.ValidationError{
				Field: fe.Field(),
				Err:   fmt.Errorf("%w: failed %q validation", donation.ErrInvalidRequest, fe.Tag()),
			}
		}
		return &donation.ValidationError{Err: fmt.Errorf("%w: %v", donation.ErrInvalidRequest, err)}
	}
	return nil
}

// statusFor maps a service error to an HTTP status and the offending field.
func statusFor(err error) (int, string) {
	var verr *donation.ValidationError
	var nf *donation.NotFoundError

	switch {
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, ""
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, ""
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Field
	case errors.As(err, &nf):
		return http.StatusNotFound, ""
	case errors.Is(err, donation.ErrCampaignNotFound),
		errors.Is(err, donation.ErrParticipantNotFound),
		errors.Is(err, donation.ErrDonationNotFound),
		errors.Is(err, gateway.ErrIntentNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, donation.ErrIdempotencyKeyReused),
		errors.Is(err, donation.ErrDuplicateIntent):
		return http.StatusConflict, ""
	case errors.Is(err, donation.ErrBelowMinimum),
		errors.Is(err, donation.ErrInvalidRequest),
		errors.Is(err, donation.ErrCampaignNotActive),
		errors.Is(err, donation.ErrParticipantMismatch),
		errors.Is(err, donation.ErrInvalidRefundAmount),
		errors.Is(err, donation.ErrMissingSignature),
		errors.Is(err, gateway.ErrInvalidSignature),
		errors.Is(err, gateway.ErrInvalidPayload),
		errors.Is(err, gateway.ErrNotRefundable),
		errors.Is(err, gateway.ErrAlreadyRefunded),
		errors.Is(err, gateway.ErrAmountTooSmall):
		return http.StatusBadRequest, ""
	case errors.Is(err, gateway.ErrNotConfigured),
		errors.Is(err, gateway.ErrCircuitOpen),
		errors.Is(err, donation.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, ""
	case errors.Is(err, gateway.ErrProviderAPI):
		return http.StatusBadGateway, ""
	default:
		return http.StatusInternalServerError, ""
	}
}

// handleError maps err and writes the response
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, field := statusFor(err)
	h.writeError(w, r, status, field, err)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, field string, err error) {
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			donation.Field{Key: "method", Value: r.Method},
			donation.Field{Key: "path", Value: r.URL.Path},
			donation.Field{Key: "status", Value: status},
			donation.Field{Key: "error", Value: err.Error()})
	}

	if h.config.OnError != nil {
		h.config.OnError(w, r, status, err)
		return
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = errInternal.Error()
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Field: field})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
