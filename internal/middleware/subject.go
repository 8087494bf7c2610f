// Package middleware contains HTTP middleware for the metering service.
//
// This file implements subject resolution: every metered request is
// classified into its billing subject and passed through the rate gate
// before any handler runs.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/quillchat/metering/internal/handler"
	"github.com/quillchat/metering/internal/service"
)

// SubjectMiddleware resolves the billing subject for each request and
// enforces the per-subject rate limit.
type SubjectMiddleware struct {
	identity service.IdentityService
	gate     service.RateGate
	logger   *slog.Logger
}

// NewSubjectMiddleware creates a new subject resolution middleware.
func NewSubjectMiddleware(identity service.IdentityService, gate service.RateGate, logger *slog.Logger) *SubjectMiddleware {
	return &SubjectMiddleware{
		identity: identity,
		gate:     gate,
		logger:   logger,
	}
}

// Handler resolves the subject, applies the rate gate, and stores the
// subject on the request context for handlers to read.
func (m *SubjectMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := m.identity.Resolve(r.Context(), service.ResolveParams{
			AuthToken: bearerToken(r),
			ClientIP:  getClientIP(r),
		})
		if err != nil {
			handler.ErrorResponse(w, r, m.logger, err)
			return
		}

		if err := m.gate.Allow(r.Context(), subject); err != nil {
			handler.ErrorResponse(w, r, m.logger, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(handler.ContextWithSubject(r.Context(), subject)))
	})
}

// Stack composes middlewares so the first listed runs outermost.
//
// Example:
//
//	withSubject := middleware.Stack(loggingMw.Handler, subjectMw.Handler)
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// bearerToken extracts the raw token from the Authorization header, if any.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// getClientIP extracts the client IP from the request, considering proxy headers.
func getClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs: client, proxy1, proxy2.
	// The first one is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			clientIP := strings.TrimSpace(ips[0])
			if clientIP != "" {
				return clientIP
			}
		}
	}

	// X-Real-IP (nginx)
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}
	return ip
}
