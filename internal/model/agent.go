package model

import (
	"fmt"
	"time"
)

// Role gates access to admin-only operations (chain.reset, trigger
// mutation). Narrowed from the teacher's three-tier RBAC (admin/agent/
// reader) to the two-tier distinction SPEC_FULL.md §9 actually needs.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleCaller Role = "caller"
)

// RoleRank returns the numeric rank of a role (higher = more privileged).
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleCaller:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast reports whether r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// Agent is the optional caller identity used to label a Judgment's userId
// and to gate admin-only operations.
type Agent struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ValidateAgentName checks that a caller-supplied agent name conforms to
// the allowed format: 1-255 ASCII characters (alphanumeric, dots, hyphens,
// underscores).
func ValidateAgentName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("agent name is required")
	}
	if len(name) > 255 {
		return fmt.Errorf("agent name must be at most 255 characters")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' {
			return fmt.Errorf("agent name contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
