package rbac

import (
	"sort"
	"time"

	"github.com/stocklane/stocklane/internal/audit"
)

// Role represents a named, administrator-managed bundle of permissions.
// Inactive roles are excluded from name resolution and from effective
// permission aggregation but their historical assignment rows are retained.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	Protected   bool      `json:"protected"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission represents an atomic capability checked at authorization gates.
type Permission struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

// RolePair links an identity to a role. The pair of ids is the whole
// identity of the row; there is no surrogate key.
type RolePair struct {
	IdentityID int64
	RoleID     int64
}

// Key renders the pair as a deterministic audit target key.
func (p RolePair) Key() string {
	return audit.PairKey(p.IdentityID, p.RoleID)
}

// PermissionPair links a role to a permission.
type PermissionPair struct {
	RoleID       int64
	PermissionID int64
}

// Key renders the pair as a deterministic audit target key.
func (p PermissionPair) Key() string {
	return audit.PairKey(p.RoleID, p.PermissionID)
}

// PermissionSet is the derived union of permission names across an identity's
// active roles. It is never stored authoritatively; it is always recomputed
// from the persisted relations.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from names.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the sorted member list.
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
