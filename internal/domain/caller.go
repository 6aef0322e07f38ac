package domain

import (
	"slices"
	"strings"
)

// Caller is the verified identity behind a request. It is built per request
// from an identity token and never persisted.
type Caller struct {
	Subject       string
	Email         string
	EmailDomain   string
	EmailVerified bool
}

// NewCaller builds a Caller, deriving the lower-cased email domain.
func NewCaller(subject, email string, verified bool) *Caller {
	return &Caller{
		Subject:       subject,
		Email:         email,
		EmailDomain:   EmailDomain(email),
		EmailVerified: verified,
	}
}

// EmailDomain returns the lower-cased part after the last '@', or "" when the
// address has none.
func EmailDomain(email string) string {
	i := strings.LastIndexByte(email, '@')
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[i+1:]))
}

// TenantScope is the set of warehouse projects a caller may query in one
// request. Target is the project the request resolved to.
type TenantScope struct {
	Projects     []string
	IsSuperAdmin bool
	Target       string
}

// Allows reports whether project is inside the scope.
func (s *TenantScope) Allows(project string) bool {
	if s == nil || project == "" {
		return false
	}
	return slices.Contains(s.Projects, project)
}
