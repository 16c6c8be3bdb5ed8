// Package mux mounts the donation API on a gorilla/mux router.
package mux

import (
	"net/http"

	"github.com/gorilla/mux"

	httpmw "github.com/mihaimyh/godonate/middleware/http"
)

// RateLimit adapts the net/http rate limiter to a mux.MiddlewareFunc
func RateLimit(config httpmw.Config) mux.MiddlewareFunc {
	return mux.MiddlewareFunc(httpmw.RateLimit(config))
}

// Mount registers the donation API routes on r, delegating to h (normally
// api.Handler.Routes()). Middleware passed in limit wraps the checkout and
// webhook routes only.
func Mount(r *mux.Router, h http.Handler, limit ...mux.MiddlewareFunc) {
	limited := h
	for i := len(limit) - 1; i >= 0; i-- {
		limited = limit[i](limited)
	}

	r.Handle("/donations/checkout", limited).Methods(http.MethodPost)
	r.Handle("/donations/confirm", h).Methods(http.MethodPost)
	r.Handle("/donations/{id}/refund", h).Methods(http.MethodPost)
	r.Handle("/donations/fees/calculate", h).Methods(http.MethodGet)
	r.Handle("/webhooks/stripe", limited).Methods(http.MethodPost)
	r.Handle("/healthz", h).Methods(http.MethodGet)
}
