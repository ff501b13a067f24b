package rbac

import (
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Role represents a named bundle of permissions.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	BuiltIn     bool      `json:"builtIn"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Permission represents an atomic (resource, action) grant.
type Permission struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description"`
	BuiltIn     bool   `json:"builtIn"`
}

// SplitName splits "resource:action". ok is false when either half is empty.
func SplitName(name string) (resource, action string, ok bool) {
	resource, action, found := strings.Cut(NormalizeName(name), ":")
	if !found || resource == "" || action == "" {
		return "", "", false
	}
	return resource, action, true
}

// NormalizeName lowercases and trims a permission or role name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Grants reports whether p satisfies the required permission name. A grant with
// action "all" satisfies any action on the same resource.
func (p Permission) Grants(required string) bool {
	required = NormalizeName(required)
	if required == "" {
		return false
	}
	if NormalizeName(p.Name) == required {
		return true
	}
	resource, action := p.Resource, p.Action
	if resource == "" || action == "" {
		var ok bool
		if resource, action, ok = SplitName(p.Name); !ok {
			return false
		}
	}
	if NormalizeName(action) != shared.ActionAll {
		return false
	}
	reqResource, _, ok := SplitName(required)
	return ok && reqResource == NormalizeName(resource)
}

// Names returns the permission names in input order.
func Names(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.Name
	}
	return out
}

func normalizeList(names []string) []string {
	unique := make(map[string]struct{}, len(names))
	normalized := make([]string, 0, len(names))
	for _, n := range names {
		n = NormalizeName(n)
		if n == "" {
			continue
		}
		if _, dup := unique[n]; dup {
			continue
		}
		unique[n] = struct{}{}
		normalized = append(normalized, n)
	}
	return normalized
}
