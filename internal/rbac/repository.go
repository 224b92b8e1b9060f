package rbac

import "context"

// Repository defines data access for the authorization engine. Mutations run
// through WithTx so a single transaction covers the lock, the validation
// reads, and the replacement writes.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error

	IdentityExists(ctx context.Context, identityID int64) (bool, error)
	EffectivePermissions(ctx context.Context, identityID int64) ([]string, error)
	RolePermissionNames(ctx context.Context, roleID int64) ([]string, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	ListIdentitiesForRole(ctx context.Context, roleID int64) ([]int64, error)
}

// TxRepository exposes the operations available inside a mutation
// transaction. Lock methods acquire exclusive row locks; a second writer
// contending for the same identity or role blocks until commit/rollback or
// fails with ErrLockTimeout once the bounded wait elapses.
type TxRepository interface {
	LockIdentity(ctx context.Context, identityID int64) error
	LockRole(ctx context.Context, roleID int64) (Role, error)

	// Bulk lock methods take their targets in ascending id order so two bulk
	// callers with overlapping targets cannot deadlock each other.
	LockIdentities(ctx context.Context, identityIDs []int64) error
	LockActiveRoles(ctx context.Context, roleIDs []int64) ([]Role, error)

	ResolveActiveRoles(ctx context.Context, names []string) (map[string]int64, error)
	ResolvePermissions(ctx context.Context, names []string) (map[string]int64, error)

	IdentityRoleIDs(ctx context.Context, identityID int64) ([]int64, error)
	ReplaceIdentityRoles(ctx context.Context, identityID int64, roleIDs []int64) error
	AddIdentityRoles(ctx context.Context, identityID int64, roleIDs []int64) error
	RemoveIdentityRoles(ctx context.Context, identityID int64, roleIDs []int64) error

	RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	AddRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	RemoveRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error

	RoleNameExists(ctx context.Context, name string) (bool, error)
	InsertRole(ctx context.Context, name, description string) (Role, error)
	PermissionNameExists(ctx context.Context, name string) (bool, error)
	InsertPermission(ctx context.Context, name, description, category string) (Permission, error)

	CountIdentityRoleRefs(ctx context.Context, roleID int64) (int64, error)
	DeactivateRole(ctx context.Context, roleID int64) error
	HardDeleteRole(ctx context.Context, roleID int64) error

	LockPermission(ctx context.Context, permissionID int64) (Permission, error)
	CountRolePermissionRefs(ctx context.Context, permissionID int64) (int64, error)
	HardDeletePermission(ctx context.Context, permissionID int64) error
}
