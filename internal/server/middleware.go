// Package server implements the Ingress Adapters: HTTP handlers for the
// attestation protocol and the account/admin surface, composed from a
// middleware chain rather than a handler base class.
package server

import (
	"net/http"
	"strings"

	"attestd/internal/logging"
	"attestd/internal/security"
)

const maxRequestBytes = 1 << 20 // generous upper bound; per-route caps apply below this

// middleware wraps a handler with one cross-cutting concern.
type middleware func(http.HandlerFunc) http.HandlerFunc

// chain composes middleware in the order given, outermost first.
func chain(h http.HandlerFunc, mw ...middleware) http.HandlerFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// withMethod rejects any request not using method.
func withMethod(method string) middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != method {
				w.Header().Set("Allow", method)
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			next(w, r)
		}
	}
}

// withBodyLimit caps the request body at n bytes.
func withBodyLimit(n int64) middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next(w, r)
		}
	}
}

// withOrigin checks the Origin header against the configured canonical
// origin when the browser supplies one. Native (non-browser) clients
// send no Origin header at all, so its absence is not itself rejected —
// only a present-but-wrong Origin is.
func withOrigin(canonicalOrigin string) middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && origin != canonicalOrigin {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			if dest := r.Header.Get("Sec-Fetch-Site"); dest == "cross-site" {
				http.Error(w, "cross-site requests not allowed", http.StatusForbidden)
				return
			}
			next(w, r)
		}
	}
}

// withConcurrencyLimit bounds in-flight requests to the configured
// worker pool: §5 models the server as a fixed-size pool of blocking
// workers rather than unbounded goroutine-per-request fan-out, so a
// burst past capacity is rejected instead of queued indefinitely.
func withConcurrencyLimit(cl *security.ConnectionLimiter) middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !cl.Acquire(ip) {
				http.Error(w, "server at capacity", http.StatusServiceUnavailable)
				return
			}
			defer cl.Release(ip)
			next(w, r)
		}
	}
}

// withRequestID tags every request with a unique id, attached to the
// logger and propagated through the context for audit correlation.
func withRequestID(logger *logging.Logger) middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			id := logger.NewRequestID()
			ctx := logging.ContextWithRequestID(r.Context(), id)
			w.Header().Set("X-Request-Id", id)
			next(w, r.WithContext(ctx))
		}
	}
}

// clientIP extracts the request's source address, preferring the
// left-most X-Forwarded-For entry when the server sits behind a proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}
