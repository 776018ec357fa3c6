package api

import (
	"net/http"
	"strings"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/auth"
)

// authMiddleware enforces bearer auth against the configured key hashes.
// With no hashes configured the API is open, which is the expected
// setup for localhost-only deployments.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	if len(h.apiKeys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey, ok := bearerToken(r)
		if !ok {
			h.respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		for _, stored := range h.apiKeys {
			match, err := auth.VerifyKey(rawKey, stored)
			if err != nil {
				h.logger.Warn("unusable api key hash", "error", err)
				continue
			}
			if match {
				next.ServeHTTP(w, r)
				return
			}
		}
		h.respondError(w, http.StatusUnauthorized, "invalid bearer token")
	})
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
