package rbac

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stocklane/stocklane/internal/audit"
)

// ErrLockTimeout indicates a mutation could not acquire its row lock within
// the configured wait. The transaction rolled back; the call is safe to retry.
var ErrLockTimeout = errors.New("rbac: lock wait timed out")

// ErrNameRequired rejects creation of a role or permission whose name is
// empty after trimming.
var ErrNameRequired = errors.New("rbac: name is required")

// ErrUnsupportedBulkOp rejects a bulk mutation whose operation is not one of
// replace, add, or remove.
var ErrUnsupportedBulkOp = errors.New("rbac: unsupported bulk operation")

// UnknownRoleError reports every requested role name that did not resolve to
// an existing, active role.
type UnknownRoleError struct {
	Missing []string
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf("rbac: unknown or inactive roles: %s", strings.Join(e.Missing, ", "))
}

// UnknownPermissionError reports every requested permission name that did not
// resolve.
type UnknownPermissionError struct {
	Missing []string
}

func (e *UnknownPermissionError) Error() string {
	return fmt.Sprintf("rbac: unknown permissions: %s", strings.Join(e.Missing, ", "))
}

// DuplicateNameError reports a name collision on creation. Comparison is
// case-insensitive.
type DuplicateNameError struct {
	Kind string
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("rbac: %s name %q already exists", e.Kind, e.Name)
}

// ProtectedRoleError reports an attempt to strip a mandatory permission from
// a protected seed role.
type ProtectedRoleError struct {
	Role      string
	Mandatory []string
}

func (e *ProtectedRoleError) Error() string {
	return fmt.Sprintf("rbac: role %q is protected; mandatory permissions cannot be removed: %s",
		e.Role, strings.Join(e.Mandatory, ", "))
}

// IdentityNotFoundError reports a missing target identity.
type IdentityNotFoundError struct {
	ID int64
}

func (e *IdentityNotFoundError) Error() string {
	return fmt.Sprintf("rbac: identity %d not found", e.ID)
}

// RoleNotFoundError reports a missing target role.
type RoleNotFoundError struct {
	ID int64
}

func (e *RoleNotFoundError) Error() string {
	return fmt.Sprintf("rbac: role %d not found", e.ID)
}

// PermissionNotFoundError reports a missing target permission.
type PermissionNotFoundError struct {
	ID int64
}

func (e *PermissionNotFoundError) Error() string {
	return fmt.Sprintf("rbac: permission %d not found", e.ID)
}

// PermissionInUseError rejects deletion of a permission that role_permission
// rows still reference.
type PermissionInUseError struct {
	ID         int64
	Name       string
	References int64
}

func (e *PermissionInUseError) Error() string {
	return fmt.Sprintf("rbac: permission %q is attached to %d role(s) and cannot be deleted", e.Name, e.References)
}

// MissingIdentitiesError reports every identity id in a bulk request that
// does not exist.
type MissingIdentitiesError struct {
	IDs []int64
}

func (e *MissingIdentitiesError) Error() string {
	return fmt.Sprintf("rbac: identities not found: %s", joinIDs(e.IDs))
}

// MissingRolesError reports every role id in a bulk request that does not
// exist or is inactive.
type MissingRolesError struct {
	IDs []int64
}

func (e *MissingRolesError) Error() string {
	return fmt.Sprintf("rbac: roles not found or inactive: %s", joinIDs(e.IDs))
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}

// AuditWriteError signals that a mutation committed but one or more audit
// entries could not be written. The mutation stands; Entries carries the
// records still owed to the trail so callers can re-attempt logging.
type AuditWriteError struct {
	Err     error
	Entries []audit.Entry
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("rbac: mutation committed but audit write failed: %v", e.Err)
}

func (e *AuditWriteError) Unwrap() error {
	return e.Err
}
