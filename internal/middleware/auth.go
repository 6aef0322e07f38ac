package middleware

import (
	"net/http"
	"strings"
)

// BearerToken returns the token from an "Authorization: Bearer <token>"
// header, or "" when the header is absent or uses another scheme.
func BearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) < len("Bearer ") || !strings.EqualFold(auth[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[len("Bearer "):])
}
