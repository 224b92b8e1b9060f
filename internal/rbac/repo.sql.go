package rbac

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stocklane/stocklane/internal/platform/db"
)

// Postgres error codes this package cares about.
const (
	pgCodeLockNotAvailable = "55P03"
	pgCodeUniqueViolation  = "23505"
)

// PGRepository provides PostgreSQL backed persistence for the engine.
type PGRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPGRepository constructs a repository. lockTimeout bounds row lock waits
// inside mutation transactions.
func NewPGRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *PGRepository {
	return &PGRepository{pool: pool, lockTimeout: lockTimeout}
}

// WithTx runs fn inside one transaction with the configured lock timeout.
// Lock waits exceeding the bound surface as ErrLockTimeout.
func (r *PGRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	err := db.WithLockedTx(ctx, r.pool, r.lockTimeout, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
	return mapPGError(err)
}

func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgCodeLockNotAvailable {
		return ErrLockTimeout
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCodeUniqueViolation
}

// IdentityExists reports whether the identity row is persisted.
func (r *PGRepository) IdentityExists(ctx context.Context, identityID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM identity WHERE id = $1)`, identityID).Scan(&exists)
	return exists, err
}

// EffectivePermissions computes the union of permission names across all
// active roles held by the identity in a single batched join.
func (r *PGRepository) EffectivePermissions(ctx context.Context, identityID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT p.name
		FROM permission p
		JOIN role_permission rp ON rp.permission_id = p.id
		JOIN role ro ON ro.id = rp.role_id AND ro.active
		JOIN identity_role ir ON ir.role_id = ro.id
		WHERE ir.identity_id = $1
		ORDER BY p.name`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// RolePermissionNames returns the permission names currently attached to a role.
func (r *PGRepository) RolePermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.name
		FROM permission p
		JOIN role_permission rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// ListRoles returns all roles ordered by name, inactive ones included.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, active, protected, created_at, updated_at FROM role ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.Active, &role.Protected, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ListPermissions returns all permissions ordered by name.
func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, COALESCE(category, '') FROM permission ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.ID, &perm.Name, &perm.Description, &perm.Category); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// ListIdentitiesForRole enumerates the identities holding a role. Used for
// cascade cache invalidation and role-membership display.
func (r *PGRepository) ListIdentitiesForRole(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT identity_id FROM identity_role WHERE role_id = $1 ORDER BY identity_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInt64s(rows)
}

type pgTx struct {
	tx pgx.Tx
}

// LockIdentity acquires an exclusive lock on the identity row, serialising
// writers of that identity's assignment set.
func (t *pgTx) LockIdentity(ctx context.Context, identityID int64) error {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT id FROM identity WHERE id = $1 FOR UPDATE`, identityID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &IdentityNotFoundError{ID: identityID}
		}
		return mapPGError(err)
	}
	return nil
}

// LockRole acquires an exclusive lock on the role row and returns it.
func (t *pgTx) LockRole(ctx context.Context, roleID int64) (Role, error) {
	var role Role
	err := t.tx.QueryRow(ctx,
		`SELECT id, name, description, active, protected, created_at, updated_at FROM role WHERE id = $1 FOR UPDATE`,
		roleID).Scan(&role.ID, &role.Name, &role.Description, &role.Active, &role.Protected, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, &RoleNotFoundError{ID: roleID}
		}
		return Role{}, mapPGError(err)
	}
	return role, nil
}

// LockIdentities locks every identity row in one statement, ordered by id so
// overlapping bulk callers acquire locks in the same sequence. Missing ids
// are reported together.
func (t *pgTx) LockIdentities(ctx context.Context, identityIDs []int64) error {
	rows, err := t.tx.Query(ctx,
		`SELECT id FROM identity WHERE id = ANY($1) ORDER BY id FOR UPDATE`, identityIDs)
	if err != nil {
		return mapPGError(err)
	}
	defer rows.Close()
	locked, err := scanInt64s(rows)
	if err != nil {
		return mapPGError(err)
	}
	if missing := missingIDs(identityIDs, locked); len(missing) > 0 {
		return &MissingIdentitiesError{IDs: missing}
	}
	return nil
}

// LockActiveRoles locks every active role row in one statement, ordered by
// id, and returns them so callers can apply protection checks. Missing or
// inactive ids are reported together.
func (t *pgTx) LockActiveRoles(ctx context.Context, roleIDs []int64) ([]Role, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, name, description, active, protected, created_at, updated_at
		 FROM role WHERE id = ANY($1) AND active ORDER BY id FOR UPDATE`, roleIDs)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var roles []Role
	locked := make([]int64, 0, len(roleIDs))
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.Active, &role.Protected, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
		locked = append(locked, role.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGError(err)
	}
	if missing := missingIDs(roleIDs, locked); len(missing) > 0 {
		return nil, &MissingRolesError{IDs: missing}
	}
	return roles, nil
}

// ResolveActiveRoles maps lowercased role names to ids for active roles, in
// one batched lookup. Missing names are simply absent from the result.
func (t *pgTx) ResolveActiveRoles(ctx context.Context, names []string) (map[string]int64, error) {
	lowered := lowerAll(names)
	rows, err := t.tx.Query(ctx,
		`SELECT lower(name), id FROM role WHERE active AND lower(name) = ANY($1)`, lowered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNameIDs(rows)
}

// ResolvePermissions maps lowercased permission names to ids in one batched lookup.
func (t *pgTx) ResolvePermissions(ctx context.Context, names []string) (map[string]int64, error) {
	lowered := lowerAll(names)
	rows, err := t.tx.Query(ctx,
		`SELECT lower(name), id FROM permission WHERE lower(name) = ANY($1)`, lowered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNameIDs(rows)
}

// IdentityRoleIDs returns the role ids currently assigned to the identity.
func (t *pgTx) IdentityRoleIDs(ctx context.Context, identityID int64) ([]int64, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT role_id FROM identity_role WHERE identity_id = $1 ORDER BY role_id`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInt64s(rows)
}

// ReplaceIdentityRoles deletes every identity_role row for the identity and
// inserts one row per requested role. Callers hold the identity lock, so the
// delete+insert pair is never observed partially applied.
func (t *pgTx) ReplaceIdentityRoles(ctx context.Context, identityID int64, roleIDs []int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM identity_role WHERE identity_id = $1`, identityID); err != nil {
		return err
	}
	if len(roleIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO identity_role (identity_id, role_id) SELECT $1, unnest($2::bigint[])`,
		identityID, roleIDs)
	return err
}

// AddIdentityRoles inserts assignment rows, skipping pairs that already
// exist.
func (t *pgTx) AddIdentityRoles(ctx context.Context, identityID int64, roleIDs []int64) error {
	if len(roleIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO identity_role (identity_id, role_id)
		 SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`,
		identityID, roleIDs)
	return err
}

// RemoveIdentityRoles deletes only the named assignment rows.
func (t *pgTx) RemoveIdentityRoles(ctx context.Context, identityID int64, roleIDs []int64) error {
	if len(roleIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`DELETE FROM identity_role WHERE identity_id = $1 AND role_id = ANY($2)`,
		identityID, roleIDs)
	return err
}

// RolePermissionIDs returns the permission ids currently attached to the role.
func (t *pgTx) RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT permission_id FROM role_permission WHERE role_id = $1 ORDER BY permission_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInt64s(rows)
}

// ReplaceRolePermissions deletes and reinserts the role's permission rows.
func (t *pgTx) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM role_permission WHERE role_id = $1`, roleID); err != nil {
		return err
	}
	if len(permissionIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO role_permission (role_id, permission_id) SELECT $1, unnest($2::bigint[])`,
		roleID, permissionIDs)
	return err
}

// AddRolePermissions inserts permission rows, skipping pairs that already
// exist.
func (t *pgTx) AddRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if len(permissionIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO role_permission (role_id, permission_id)
		 SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`,
		roleID, permissionIDs)
	return err
}

// RemoveRolePermissions deletes only the named permission rows.
func (t *pgTx) RemoveRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if len(permissionIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`DELETE FROM role_permission WHERE role_id = $1 AND permission_id = ANY($2)`,
		roleID, permissionIDs)
	return err
}

// RoleNameExists reports a case-insensitive name collision.
func (t *pgTx) RoleNameExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM role WHERE lower(name) = lower($1))`, name).Scan(&exists)
	return exists, err
}

// InsertRole creates a new active role. A unique-index race still maps to
// DuplicateNameError.
func (t *pgTx) InsertRole(ctx context.Context, name, description string) (Role, error) {
	var role Role
	err := t.tx.QueryRow(ctx,
		`INSERT INTO role (name, description, active, protected)
		 VALUES ($1, $2, TRUE, FALSE)
		 RETURNING id, name, description, active, protected, created_at, updated_at`,
		name, description).Scan(&role.ID, &role.Name, &role.Description, &role.Active, &role.Protected, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, &DuplicateNameError{Kind: "role", Name: name}
		}
		return Role{}, err
	}
	return role, nil
}

// PermissionNameExists reports a case-insensitive name collision.
func (t *pgTx) PermissionNameExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM permission WHERE lower(name) = lower($1))`, name).Scan(&exists)
	return exists, err
}

// InsertPermission creates a new permission.
func (t *pgTx) InsertPermission(ctx context.Context, name, description, category string) (Permission, error) {
	var perm Permission
	err := t.tx.QueryRow(ctx,
		`INSERT INTO permission (name, description, category)
		 VALUES ($1, $2, NULLIF($3, ''))
		 RETURNING id, name, description, COALESCE(category, '')`,
		name, description, category).Scan(&perm.ID, &perm.Name, &perm.Description, &perm.Category)
	if err != nil {
		if isUniqueViolation(err) {
			return Permission{}, &DuplicateNameError{Kind: "permission", Name: name}
		}
		return Permission{}, err
	}
	return perm, nil
}

// CountIdentityRoleRefs counts assignment rows referencing the role.
func (t *pgTx) CountIdentityRoleRefs(ctx context.Context, roleID int64) (int64, error) {
	var count int64
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM identity_role WHERE role_id = $1`, roleID).Scan(&count)
	return count, err
}

// DeactivateRole soft-deletes the role, retaining assignment rows for audit
// continuity.
func (t *pgTx) DeactivateRole(ctx context.Context, roleID int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE role SET active = FALSE, updated_at = NOW() WHERE id = $1`, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &RoleNotFoundError{ID: roleID}
	}
	return nil
}

// HardDeleteRole physically removes an unreferenced role. role_permission
// rows go with it via cascade.
func (t *pgTx) HardDeleteRole(ctx context.Context, roleID int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM role WHERE id = $1`, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &RoleNotFoundError{ID: roleID}
	}
	return nil
}

// LockPermission acquires an exclusive lock on the permission row and
// returns it.
func (t *pgTx) LockPermission(ctx context.Context, permissionID int64) (Permission, error) {
	var perm Permission
	err := t.tx.QueryRow(ctx,
		`SELECT id, name, description, COALESCE(category, '') FROM permission WHERE id = $1 FOR UPDATE`,
		permissionID).Scan(&perm.ID, &perm.Name, &perm.Description, &perm.Category)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, &PermissionNotFoundError{ID: permissionID}
		}
		return Permission{}, mapPGError(err)
	}
	return perm, nil
}

// CountRolePermissionRefs counts role_permission rows referencing the
// permission.
func (t *pgTx) CountRolePermissionRefs(ctx context.Context, permissionID int64) (int64, error) {
	var count int64
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM role_permission WHERE permission_id = $1`, permissionID).Scan(&count)
	return count, err
}

// HardDeletePermission physically removes an unreferenced permission.
func (t *pgTx) HardDeletePermission(ctx context.Context, permissionID int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM permission WHERE id = $1`, permissionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &PermissionNotFoundError{ID: permissionID}
	}
	return nil
}

func missingIDs(requested, found []int64) []int64 {
	have := make(map[int64]struct{}, len(found))
	for _, id := range found {
		have[id] = struct{}{}
	}
	var missing []int64
	for _, id := range requested {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func lowerAll(names []string) []string {
	lowered := make([]string, len(names))
	for i, name := range names {
		lowered[i] = strings.ToLower(name)
	}
	return lowered
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

func scanInt64s(rows pgx.Rows) ([]int64, error) {
	var values []int64
	for rows.Next() {
		var value int64
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

func scanNameIDs(rows pgx.Rows) (map[string]int64, error) {
	resolved := make(map[string]int64)
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		resolved[name] = id
	}
	return resolved, rows.Err()
}
