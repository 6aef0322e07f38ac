// Package tenant maps a verified caller onto the warehouse projects it may
// query.
package tenant

import (
	"slices"
	"strings"

	"bq-gateway/internal/domain"
)

// Authorizer decides a caller's tenant scope from configuration alone. It
// holds no mutable state and is safe for concurrent use.
type Authorizer struct {
	defaultProject string
	allowlist      []string
	superAdmins    map[string]bool
}

// NewAuthorizer creates an Authorizer. An empty allowlist defaults to
// [defaultProject]. Super-admin domains are matched case-insensitively.
func NewAuthorizer(defaultProject string, allowlist, superAdminDomains []string) *Authorizer {
	if len(allowlist) == 0 && defaultProject != "" {
		allowlist = []string{defaultProject}
	}
	admins := make(map[string]bool, len(superAdminDomains))
	for _, d := range superAdminDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			admins[d] = true
		}
	}
	return &Authorizer{
		defaultProject: defaultProject,
		allowlist:      slices.Clone(allowlist),
		superAdmins:    admins,
	}
}

// Allowlist returns a copy of the accessible projects.
func (a *Authorizer) Allowlist() []string { return slices.Clone(a.allowlist) }

// IsSuperAdmin reports whether the caller's email domain grants unrestricted
// project access.
func (a *Authorizer) IsSuperAdmin(c *domain.Caller) bool {
	return c != nil && c.EmailDomain != "" && a.superAdmins[c.EmailDomain]
}

// Authorize resolves requestedProject (empty means the default project) and
// returns the caller's scope. Super-admins are always admitted and their scope
// covers the whole allowlist plus the requested project; everyone else may
// only target an allowlisted project.
func (a *Authorizer) Authorize(c *domain.Caller, requestedProject string) (*domain.TenantScope, error) {
	project := strings.TrimSpace(requestedProject)
	if project == "" {
		project = a.defaultProject
	}
	if project == "" {
		return nil, domain.ErrValidation("project_id is required")
	}

	if a.IsSuperAdmin(c) {
		projects := slices.Clone(a.allowlist)
		if !slices.Contains(projects, project) {
			projects = append(projects, project)
		}
		return &domain.TenantScope{Projects: projects, IsSuperAdmin: true, Target: project}, nil
	}

	if !slices.Contains(a.allowlist, project) {
		return nil, domain.ErrProjectNotAccessible(project)
	}
	return &domain.TenantScope{Projects: []string{project}, Target: project}, nil
}
