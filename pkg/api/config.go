package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/godonate/pkg/donation"
)

// DefaultMaxWebhookBytes caps webhook request bodies.
const DefaultMaxWebhookBytes = 256 << 10

// Config holds configuration for the donation API handler
type Config struct {
	// Service is the donation service instance (required)
	Service *donation.Service

	// Authorize gates privileged routes (refunds). If nil, privileged routes
	// always answer 403.
	Authorize func(*http.Request) bool

	// Limit optionally wraps the checkout and webhook routes, typically with a
	// rate limiter from middleware/http
	Limit func(http.Handler) http.Handler

	// MaxWebhookBytes caps the raw webhook body (default: 256 KiB)
	MaxWebhookBytes int64

	// OnError handles errors after they are mapped to a status code.
	// If nil, a JSON ErrorResponse is written.
	OnError func(w http.ResponseWriter, r *http.Request, status int, err error)

	// Logger is optional; it receives server-side failures
	Logger donation.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.MaxWebhookBytes < 0 {
		return fmt.Errorf("max webhook bytes must not be negative")
	}
	return nil
}

// NewHandler creates a new donation API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxWebhookBytes == 0 {
		config.MaxWebhookBytes = DefaultMaxWebhookBytes
	}
	if config.Logger == nil {
		config.Logger = &donation.NoopLogger{}
	}
	return &Handler{
		config:   config,
		validate: newValidator(),
	}, nil
}

// Helpers for common authorization patterns

// BearerToken returns an Authorize function accepting requests whose
// Authorization header carries the given bearer token
func BearerToken(token string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return token != "" && r.Header.Get("Authorization") == "Bearer "+token
	}
}

// FromHeader returns an Authorize function accepting requests where header
// equals value
func FromHeader(header, value string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return value != "" && r.Header.Get(header) == value
	}
}
