package rbac

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/stocklane/stocklane/internal/audit"
)

// Audit action names emitted by the engine.
const (
	ActionAssignRoles       = "assign_roles"
	ActionGrantRole         = "grant_role"
	ActionRevokeRole        = "revoke_role"
	ActionAssignPermissions = "assign_permissions"
	ActionGrantPermission   = "grant_permission"
	ActionRevokePermission  = "revoke_permission"
	ActionCreateRole        = "create_role"
	ActionDeleteRole        = "delete_role"
	ActionCreatePermission  = "create_permission"
	ActionDeletePermission  = "delete_permission"

	ActionBulkAssignRoles       = "bulk_assign_roles"
	ActionBulkAssignPermissions = "bulk_assign_permissions"
)

// BulkOp selects how a bulk mutation combines the requested names with each
// target's current set.
type BulkOp string

// Bulk operations.
const (
	BulkReplace BulkOp = "replace"
	BulkAdd     BulkOp = "add"
	BulkRemove  BulkOp = "remove"
)

func (op BulkOp) validate() error {
	switch op {
	case BulkReplace, BulkAdd, BulkRemove:
		return nil
	default:
		return ErrUnsupportedBulkOp
	}
}

// BulkResult reports which targets a bulk mutation changed. Targets already
// matching the requested outcome are listed as unchanged.
type BulkResult struct {
	Updated   []int64 `json:"updated"`
	Unchanged []int64 `json:"unchanged"`
}

// Invalidator receives identity-keyed cache invalidation after mutations.
type Invalidator interface {
	Invalidate(ctx context.Context, identityID int64) error
}

// ServiceConfig carries engine policy.
type ServiceConfig struct {
	// MandatoryPermissions maps a protected role's lowercased name to the
	// permissions a replacement may never strip from it.
	MandatoryPermissions map[string][]string
}

// Service is the authorization engine. Every mutation runs in one
// transaction, is audited with its actual outcome, and triggers session
// cache invalidation for the affected identities.
type Service struct {
	repo        Repository
	recorder    audit.Recorder
	invalidator Invalidator
	cfg         ServiceConfig
	logger      *slog.Logger
}

// NewService constructs the engine.
func NewService(repo Repository, recorder audit.Recorder, invalidator Invalidator, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, recorder: recorder, invalidator: invalidator, cfg: cfg, logger: logger}
}

// SetInvalidator wires the session cache after construction. The cache
// refreshes through the engine, so the two are built engine-first.
func (s *Service) SetInvalidator(invalidator Invalidator) {
	s.invalidator = invalidator
}

// AssignRoles replaces the identity's role set with exactly the named roles.
// The identity row is locked for the duration of the transaction, so two
// concurrent callers targeting the same identity serialise and the committed
// state always equals one caller's full request.
func (s *Service) AssignRoles(ctx context.Context, actorID, identityID int64, roleNames []string) error {
	names := normalizeNames(roleNames)
	var added, removed []int64

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockIdentity(ctx, identityID); err != nil {
			return err
		}
		resolved, err := tx.ResolveActiveRoles(ctx, names)
		if err != nil {
			return err
		}
		if missing := missingNames(names, resolved); len(missing) > 0 {
			return &UnknownRoleError{Missing: missing}
		}
		current, err := tx.IdentityRoleIDs(ctx, identityID)
		if err != nil {
			return err
		}
		target := resolvedIDs(names, resolved)
		added, removed = diffIDs(current, target)
		return tx.ReplaceIdentityRoles(ctx, identityID, target)
	})
	if err != nil {
		s.recordFailure(ctx, actorID, ActionAssignRoles, audit.TargetIdentity, audit.Key(identityID),
			map[string]any{"requested": names, "error": err.Error()})
		return err
	}

	entries := make([]audit.Entry, 0, len(added)+len(removed)+1)
	for _, roleID := range added {
		entries = append(entries, audit.Entry{
			ActorID:    actorID,
			Action:     ActionGrantRole,
			TargetKind: audit.TargetIdentityRole,
			TargetKey:  RolePair{IdentityID: identityID, RoleID: roleID}.Key(),
			Outcome:    audit.OutcomeSucceeded,
		})
	}
	for _, roleID := range removed {
		entries = append(entries, audit.Entry{
			ActorID:    actorID,
			Action:     ActionRevokeRole,
			TargetKind: audit.TargetIdentityRole,
			TargetKey:  RolePair{IdentityID: identityID, RoleID: roleID}.Key(),
			Outcome:    audit.OutcomeSucceeded,
		})
	}
	entries = append(entries, audit.Entry{
		ActorID:    actorID,
		Action:     ActionAssignRoles,
		TargetKind: audit.TargetIdentity,
		TargetKey:  audit.Key(identityID),
		Outcome:    audit.OutcomeSucceeded,
		Details:    map[string]any{"requested": names, "added": len(added), "removed": len(removed)},
	})
	auditErr := s.recordAll(ctx, entries)

	s.invalidate(ctx, identityID)
	return auditErr
}

// AssignPermissions replaces the role's permission set with exactly the
// named permissions. Because this changes the effective permissions of every
// identity holding the role, invalidation fans out across the membership.
func (s *Service) AssignPermissions(ctx context.Context, actorID, roleID int64, permissionNames []string) error {
	names := normalizeNames(permissionNames)
	var added, removed []int64

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return err
		}
		resolved, err := tx.ResolvePermissions(ctx, names)
		if err != nil {
			return err
		}
		if missing := missingNames(names, resolved); len(missing) > 0 {
			return &UnknownPermissionError{Missing: missing}
		}
		if role.Protected {
			if stripped := s.strippedMandatory(role.Name, names); len(stripped) > 0 {
				return &ProtectedRoleError{Role: role.Name, Mandatory: stripped}
			}
		}
		current, err := tx.RolePermissionIDs(ctx, roleID)
		if err != nil {
			return err
		}
		target := resolvedIDs(names, resolved)
		added, removed = diffIDs(current, target)
		return tx.ReplaceRolePermissions(ctx, roleID, target)
	})
	if err != nil {
		s.recordFailure(ctx, actorID, ActionAssignPermissions, audit.TargetRole, audit.Key(roleID),
			map[string]any{"requested": names, "error": err.Error()})
		return err
	}

	entries := make([]audit.Entry, 0, len(added)+len(removed)+1)
	for _, permID := range added {
		entries = append(entries, audit.Entry{
			ActorID:    actorID,
			Action:     ActionGrantPermission,
			TargetKind: audit.TargetRolePermission,
			TargetKey:  PermissionPair{RoleID: roleID, PermissionID: permID}.Key(),
			Outcome:    audit.OutcomeSucceeded,
		})
	}
	for _, permID := range removed {
		entries = append(entries, audit.Entry{
			ActorID:    actorID,
			Action:     ActionRevokePermission,
			TargetKind: audit.TargetRolePermission,
			TargetKey:  PermissionPair{RoleID: roleID, PermissionID: permID}.Key(),
			Outcome:    audit.OutcomeSucceeded,
		})
	}
	entries = append(entries, audit.Entry{
		ActorID:    actorID,
		Action:     ActionAssignPermissions,
		TargetKind: audit.TargetRole,
		TargetKey:  audit.Key(roleID),
		Outcome:    audit.OutcomeSucceeded,
		Details:    map[string]any{"requested": names, "added": len(added), "removed": len(removed)},
	})
	auditErr := s.recordAll(ctx, entries)

	s.invalidateRoleMembers(ctx, roleID)
	return auditErr
}

// BulkAssignRoles applies one role mutation to many identities inside a
// single transaction. replace gives every identity exactly the named roles;
// add and remove adjust each identity's set and leave the rest alone.
// Unknown identities or role names reject the whole request before any
// write, and an identity already matching the requested outcome is reported
// as unchanged.
func (s *Service) BulkAssignRoles(ctx context.Context, actorID int64, identityIDs []int64, roleNames []string, op BulkOp) (BulkResult, error) {
	ids := normalizeIDs(identityIDs)
	names := normalizeNames(roleNames)
	failureDetails := map[string]any{"identities": ids, "requested": names, "operation": string(op)}
	if err := op.validate(); err != nil {
		failureDetails["error"] = err.Error()
		s.recordFailure(ctx, actorID, ActionBulkAssignRoles, audit.TargetIdentity, "bulk", failureDetails)
		return BulkResult{}, err
	}

	var result BulkResult
	changes := make(map[int64][2][]int64, len(ids))

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockIdentities(ctx, ids); err != nil {
			return err
		}
		resolved, err := tx.ResolveActiveRoles(ctx, names)
		if err != nil {
			return err
		}
		if missing := missingNames(names, resolved); len(missing) > 0 {
			return &UnknownRoleError{Missing: missing}
		}
		target := resolvedIDs(names, resolved)

		for _, identityID := range ids {
			current, err := tx.IdentityRoleIDs(ctx, identityID)
			if err != nil {
				return err
			}
			var added, removed []int64
			switch op {
			case BulkReplace:
				added, removed = diffIDs(current, target)
				if len(added) == 0 && len(removed) == 0 {
					result.Unchanged = append(result.Unchanged, identityID)
					continue
				}
				if err := tx.ReplaceIdentityRoles(ctx, identityID, target); err != nil {
					return err
				}
			case BulkAdd:
				added, _ = diffIDs(current, target)
				if len(added) == 0 {
					result.Unchanged = append(result.Unchanged, identityID)
					continue
				}
				if err := tx.AddIdentityRoles(ctx, identityID, added); err != nil {
					return err
				}
			case BulkRemove:
				removed = intersectIDs(current, target)
				if len(removed) == 0 {
					result.Unchanged = append(result.Unchanged, identityID)
					continue
				}
				if err := tx.RemoveIdentityRoles(ctx, identityID, removed); err != nil {
					return err
				}
			}
			result.Updated = append(result.Updated, identityID)
			changes[identityID] = [2][]int64{added, removed}
		}
		return nil
	})
	if err != nil {
		failureDetails["error"] = err.Error()
		s.recordFailure(ctx, actorID, ActionBulkAssignRoles, audit.TargetIdentity, "bulk", failureDetails)
		return BulkResult{}, err
	}

	var entries []audit.Entry
	for _, identityID := range result.Updated {
		change := changes[identityID]
		for _, roleID := range change[0] {
			entries = append(entries, audit.Entry{
				ActorID:    actorID,
				Action:     ActionGrantRole,
				TargetKind: audit.TargetIdentityRole,
				TargetKey:  RolePair{IdentityID: identityID, RoleID: roleID}.Key(),
				Outcome:    audit.OutcomeSucceeded,
			})
		}
		for _, roleID := range change[1] {
			entries = append(entries, audit.Entry{
				ActorID:    actorID,
				Action:     ActionRevokeRole,
				TargetKind: audit.TargetIdentityRole,
				TargetKey:  RolePair{IdentityID: identityID, RoleID: roleID}.Key(),
				Outcome:    audit.OutcomeSucceeded,
			})
		}
		entries = append(entries, audit.Entry{
			ActorID:    actorID,
			Action:     ActionBulkAssignRoles,
			TargetKind: audit.TargetIdentity,
			TargetKey:  audit.Key(identityID),
			Outcome:    audit.OutcomeSucceeded,
			Details: map[string]any{
				"requested": names,
				"operation": string(op),
				"added":     len(change[0]),
				"removed":   len(change[1]),
			},
		})
	}
	auditErr := s.recordAll(ctx, entries)

	for _, identityID := range result.Updated {
		s.invalidate(ctx, identityID)
	}
	return result, auditErr
}

// BulkAssignPermissions applies one permission mutation to many roles inside
// a single transaction, with the same operation semantics as
// BulkAssignRoles. Protected roles reject a replace or remove that would
// strip a mandatory permission, and invalidation fans out across the
// membership of every changed role.
func (s *Service) BulkAssignPermissions(ctx context.Context, actorID int64, roleIDs []int64, permissionNames []string, op BulkOp) (BulkResult, error) {
	ids := normalizeIDs(roleIDs)
	names := normalizeNames(permissionNames)
	failureDetails := map[string]any{"roles": ids, "requested": names, "operation": string(op)}
	if err := op.validate(); err != nil {
		failureDetails["error"] = err.Error()
		s.recordFailure(ctx, actorID, ActionBulkAssignPermissions, audit.TargetRole, "bulk", failureDetails)
		return BulkResult{}, err
	}

	var result BulkResult
	changes := make(map[int64][2][]int64, len(ids))

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		roles, err := tx.LockActiveRoles(ctx, ids)
		if err != nil {
			return err
		}
		resolved, err := tx.ResolvePermissions(ctx, names)
		if err != nil {
			return err
		}
		if missing := missingNames(names, resolved); len(missing) > 0 {
			return &UnknownPermissionError{Missing: missing}
		}
		for _, role := range roles {
			if !role.Protected {
				continue
			}
			var stripped []string
			switch op {
			case BulkReplace:
				stripped = s.strippedMandatory(role.Name, names)
			case BulkRemove:
				stripped = s.mandatoryAmong(role.Name, names)
			}
			if len(stripped) > 0 {
				return &ProtectedRoleError{Role: role.Name, Mandatory: stripped}
			}
		}
		target := resolvedIDs(names, resolved)

		for _, role := range roles {
			current, err := tx.RolePermissionIDs(ctx, role.ID)
			if err != nil {
				return err
			}
			var added, removed []int64
			switch op {
			case BulkReplace:
				added, removed = diffIDs(current, target)
				if len(added) == 0 && len(removed) == 0 {
					result.Unchanged = append(result.Unchanged, role.ID)
					continue
				}
				if err := tx.ReplaceRolePermissions(ctx, role.ID, target); err != nil {
					return err
				}
			case BulkAdd:
				added, _ = diffIDs(current, target)
				if len(added) == 0 {
					result.Unchanged = append(result.Unchanged, role.ID)
					continue
				}
				if err := tx.AddRolePermissions(ctx, role.ID, added); err != nil {
					return err
				}
			case BulkRemove:
				removed = intersectIDs(current, target)
				if len(removed) == 0 {
					result.Unchanged = append(result.Unchanged, role.ID)
					continue
				}
				if err := tx.RemoveRolePermissions(ctx, role.ID, removed); err != nil {
					return err
				}
			}
			result.Updated = append(result.Updated, role.ID)
			changes[role.ID] = [2][]int64{added, removed}
		}
		return nil
	})
	if err != nil {
		failureDetails["error"] = err.Error()
		s.recordFailure(ctx, actorID, ActionBulkAssignPermissions, audit.TargetRole, "bulk", failureDetails)
		return BulkResult{}, err
	}

	var entries []audit.Entry
	for _, roleID := range result.Updated {
		change := changes[roleID]
		for _, permID := range change[0] {
			entries = append(entries, audit.Entry{
				ActorID:    actorID,
				Action:     ActionGrantPermission,
				TargetKind: audit.TargetRolePermission,
				TargetKey:  PermissionPair{RoleID: roleID, PermissionID: permID}.Key(),
				Outcome:    audit.OutcomeSucceeded,
			})
		}
		for _, permID := range change[1] {
			entries = append(entries, audit.Entry{
				ActorID:    actorID,
				Action:     ActionRevokePermission,
				TargetKind: audit.TargetRolePermission,
				TargetKey:  PermissionPair{RoleID: roleID, PermissionID: permID}.Key(),
				Outcome:    audit.OutcomeSucceeded,
			})
		}
		entries = append(entries, audit.Entry{
			ActorID:    actorID,
			Action:     ActionBulkAssignPermissions,
			TargetKind: audit.TargetRole,
			TargetKey:  audit.Key(roleID),
			Outcome:    audit.OutcomeSucceeded,
			Details: map[string]any{
				"requested": names,
				"operation": string(op),
				"added":     len(change[0]),
				"removed":   len(change[1]),
			},
		})
	}
	auditErr := s.recordAll(ctx, entries)

	s.invalidateRolesMembers(ctx, result.Updated)
	return result, auditErr
}

// EffectivePermissions returns the union of permission names across all
// active roles currently assigned to the identity. An identity with no roles
// yields an empty set, not an error.
func (s *Service) EffectivePermissions(ctx context.Context, identityID int64) (PermissionSet, error) {
	names, err := s.repo.EffectivePermissions(ctx, identityID)
	if err != nil {
		return nil, err
	}
	return NewPermissionSet(names...), nil
}

// HasPermission reports whether the identity holds the permission. A missing
// identity is an IdentityNotFoundError, never a silent false.
func (s *Service) HasPermission(ctx context.Context, identityID int64, permission string) (bool, error) {
	exists, err := s.repo.IdentityExists(ctx, identityID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, &IdentityNotFoundError{ID: identityID}
	}
	set, err := s.EffectivePermissions(ctx, identityID)
	if err != nil {
		return false, err
	}
	want := strings.ToLower(strings.TrimSpace(permission))
	for name := range set {
		if strings.ToLower(name) == want {
			return true, nil
		}
	}
	return false, nil
}

// CreateRole inserts a new active role. Name collisions are detected
// case-insensitively before any write.
func (s *Service) CreateRole(ctx context.Context, actorID int64, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		s.recordFailure(ctx, actorID, ActionCreateRole, audit.TargetRole, name,
			map[string]any{"error": ErrNameRequired.Error()})
		return Role{}, ErrNameRequired
	}
	var role Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exists, err := tx.RoleNameExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			return &DuplicateNameError{Kind: "role", Name: name}
		}
		role, err = tx.InsertRole(ctx, name, strings.TrimSpace(description))
		return err
	})
	if err != nil {
		s.recordFailure(ctx, actorID, ActionCreateRole, audit.TargetRole, name,
			map[string]any{"name": name, "error": err.Error()})
		return Role{}, err
	}
	auditErr := s.recordAll(ctx, []audit.Entry{{
		ActorID:    actorID,
		Action:     ActionCreateRole,
		TargetKind: audit.TargetRole,
		TargetKey:  audit.Key(role.ID),
		Outcome:    audit.OutcomeSucceeded,
		Details:    map[string]any{"name": role.Name},
	}})
	if auditErr != nil {
		return role, auditErr
	}
	return role, nil
}

// DeleteRole soft-deletes the role when identity_role rows still reference
// it, preserving audit continuity; hard delete is only permitted at zero
// references.
func (s *Service) DeleteRole(ctx context.Context, actorID, roleID int64) error {
	var refs int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockRole(ctx, roleID); err != nil {
			return err
		}
		var err error
		refs, err = tx.CountIdentityRoleRefs(ctx, roleID)
		if err != nil {
			return err
		}
		if refs > 0 {
			return tx.DeactivateRole(ctx, roleID)
		}
		return tx.HardDeleteRole(ctx, roleID)
	})
	if err != nil {
		s.recordFailure(ctx, actorID, ActionDeleteRole, audit.TargetRole, audit.Key(roleID),
			map[string]any{"error": err.Error()})
		return err
	}

	mode := "hard"
	if refs > 0 {
		mode = "soft"
	}
	auditErr := s.recordAll(ctx, []audit.Entry{{
		ActorID:    actorID,
		Action:     ActionDeleteRole,
		TargetKind: audit.TargetRole,
		TargetKey:  audit.Key(roleID),
		Outcome:    audit.OutcomeSucceeded,
		Details:    map[string]any{"mode": mode, "references": refs},
	}})

	if refs > 0 {
		// Members lose the role's permissions from their effective set.
		s.invalidateRoleMembers(ctx, roleID)
	}
	return auditErr
}

// CreatePermission inserts a new permission. Outside seeding this is an
// administrator-only path.
func (s *Service) CreatePermission(ctx context.Context, actorID int64, name, description, category string) (Permission, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		s.recordFailure(ctx, actorID, ActionCreatePermission, audit.TargetPermission, name,
			map[string]any{"error": ErrNameRequired.Error()})
		return Permission{}, ErrNameRequired
	}
	var perm Permission
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exists, err := tx.PermissionNameExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			return &DuplicateNameError{Kind: "permission", Name: name}
		}
		perm, err = tx.InsertPermission(ctx, name, strings.TrimSpace(description), strings.TrimSpace(category))
		return err
	})
	if err != nil {
		s.recordFailure(ctx, actorID, ActionCreatePermission, audit.TargetPermission, name,
			map[string]any{"name": name, "error": err.Error()})
		return Permission{}, err
	}
	auditErr := s.recordAll(ctx, []audit.Entry{{
		ActorID:    actorID,
		Action:     ActionCreatePermission,
		TargetKind: audit.TargetPermission,
		TargetKey:  audit.Key(perm.ID),
		Outcome:    audit.OutcomeSucceeded,
		Details:    map[string]any{"name": perm.Name},
	}})
	if auditErr != nil {
		return perm, auditErr
	}
	return perm, nil
}

// DeletePermission removes a permission from the catalog. Permissions carry
// no active flag, so deletion is only permitted at zero role_permission
// references; a referenced permission must be detached from its roles first.
func (s *Service) DeletePermission(ctx context.Context, actorID, permissionID int64) error {
	var name string
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		perm, err := tx.LockPermission(ctx, permissionID)
		if err != nil {
			return err
		}
		name = perm.Name
		refs, err := tx.CountRolePermissionRefs(ctx, permissionID)
		if err != nil {
			return err
		}
		if refs > 0 {
			return &PermissionInUseError{ID: permissionID, Name: perm.Name, References: refs}
		}
		return tx.HardDeletePermission(ctx, permissionID)
	})
	if err != nil {
		s.recordFailure(ctx, actorID, ActionDeletePermission, audit.TargetPermission, audit.Key(permissionID),
			map[string]any{"error": err.Error()})
		return err
	}

	return s.recordAll(ctx, []audit.Entry{{
		ActorID:    actorID,
		Action:     ActionDeletePermission,
		TargetKind: audit.TargetPermission,
		TargetKey:  audit.Key(permissionID),
		Outcome:    audit.OutcomeSucceeded,
		Details:    map[string]any{"name": name},
	}})
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// ListPermissions returns all permissions.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// RolePermissions returns the permission names attached to a role.
func (s *Service) RolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	return s.repo.RolePermissionNames(ctx, roleID)
}

// ListIdentitiesForRole enumerates role membership.
func (s *Service) ListIdentitiesForRole(ctx context.Context, roleID int64) ([]int64, error) {
	return s.repo.ListIdentitiesForRole(ctx, roleID)
}

// recordAll writes entries sequentially. The mutation has already committed
// when this runs, so failures surface as AuditWriteError carrying the
// entries still owed to the trail.
func (s *Service) recordAll(ctx context.Context, entries []audit.Entry) error {
	if s.recorder == nil {
		return nil
	}
	var firstErr error
	var unrecorded []audit.Entry
	for _, entry := range entries {
		if err := s.recorder.Record(ctx, entry); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			unrecorded = append(unrecorded, entry)
		}
	}
	if firstErr != nil {
		return &AuditWriteError{Err: firstErr, Entries: unrecorded}
	}
	return nil
}

// recordFailure logs a failed mutation. The original error is never masked
// by a secondary audit failure here. A failure with no usable target key
// (such as creation of an unnamed role) still reaches the trail under a
// placeholder key.
func (s *Service) recordFailure(ctx context.Context, actorID int64, action, targetKind, targetKey string, details map[string]any) {
	if s.recorder == nil {
		return
	}
	if strings.TrimSpace(targetKey) == "" {
		targetKey = "unnamed"
	}
	entry := audit.Entry{
		ActorID:    actorID,
		Action:     action,
		TargetKind: targetKind,
		TargetKey:  targetKey,
		Outcome:    audit.OutcomeFailed,
		Details:    details,
	}
	if err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.Warn("audit write for failed mutation", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context, identityID int64) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx, identityID); err != nil {
		// Snapshots are reconstructable and TTL-bounded, so a missed
		// invalidation degrades to staleness, not corruption.
		s.logger.Warn("session invalidation", slog.Int64("identity_id", identityID), slog.Any("error", err))
	}
}

// invalidateRolesMembers fans invalidation out across the combined
// membership of several roles, invalidating each identity once.
func (s *Service) invalidateRolesMembers(ctx context.Context, roleIDs []int64) {
	if s.invalidator == nil {
		return
	}
	seen := make(map[int64]struct{})
	for _, roleID := range roleIDs {
		ids, err := s.repo.ListIdentitiesForRole(ctx, roleID)
		if err != nil {
			s.logger.Warn("list role members for invalidation", slog.Int64("role_id", roleID), slog.Any("error", err))
			continue
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			s.invalidate(ctx, id)
		}
	}
}

func (s *Service) invalidateRoleMembers(ctx context.Context, roleID int64) {
	if s.invalidator == nil {
		return
	}
	ids, err := s.repo.ListIdentitiesForRole(ctx, roleID)
	if err != nil {
		s.logger.Warn("list role members for invalidation", slog.Int64("role_id", roleID), slog.Any("error", err))
		return
	}
	for _, id := range ids {
		s.invalidate(ctx, id)
	}
}

func (s *Service) strippedMandatory(roleName string, requested []string) []string {
	mandatory := s.cfg.MandatoryPermissions[strings.ToLower(roleName)]
	if len(mandatory) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		have[strings.ToLower(name)] = struct{}{}
	}
	var stripped []string
	for _, name := range mandatory {
		if _, ok := have[strings.ToLower(name)]; !ok {
			stripped = append(stripped, name)
		}
	}
	sort.Strings(stripped)
	return stripped
}

// mandatoryAmong returns the mandatory permissions of a protected role that
// appear in the requested names. Used by bulk remove, where naming a
// mandatory permission means stripping it.
func (s *Service) mandatoryAmong(roleName string, requested []string) []string {
	mandatory := s.cfg.MandatoryPermissions[strings.ToLower(roleName)]
	if len(mandatory) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		have[strings.ToLower(name)] = struct{}{}
	}
	var named []string
	for _, name := range mandatory {
		if _, ok := have[strings.ToLower(name)]; ok {
			named = append(named, name)
		}
	}
	sort.Strings(named)
	return named
}

// normalizeNames trims, drops empties, and dedupes case-insensitively while
// preserving the caller's first spelling of each name.
func normalizeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	normalized := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, name)
	}
	return normalized
}

// missingNames returns every requested name absent from the resolution map,
// in the caller's spelling, sorted.
func missingNames(requested []string, resolved map[string]int64) []string {
	var missing []string
	for _, name := range requested {
		if _, ok := resolved[strings.ToLower(name)]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func resolvedIDs(requested []string, resolved map[string]int64) []int64 {
	ids := make([]int64, 0, len(requested))
	for _, name := range requested {
		ids = append(ids, resolved[strings.ToLower(name)])
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// normalizeIDs dedupes and sorts ascending, giving bulk lock statements a
// stable acquisition order.
func normalizeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	normalized := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		normalized = append(normalized, id)
	}
	sort.Slice(normalized, func(i, j int) bool { return normalized[i] < normalized[j] })
	return normalized
}

// intersectIDs returns the members of current that also appear in target.
func intersectIDs(current, target []int64) []int64 {
	targetSet := make(map[int64]struct{}, len(target))
	for _, id := range target {
		targetSet[id] = struct{}{}
	}
	var both []int64
	for _, id := range current {
		if _, ok := targetSet[id]; ok {
			both = append(both, id)
		}
	}
	return both
}

func diffIDs(current, target []int64) (added, removed []int64) {
	currentSet := make(map[int64]struct{}, len(current))
	for _, id := range current {
		currentSet[id] = struct{}{}
	}
	targetSet := make(map[int64]struct{}, len(target))
	for _, id := range target {
		targetSet[id] = struct{}{}
		if _, ok := currentSet[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range current {
		if _, ok := targetSet[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}
