package rbac

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stocklane/stocklane/internal/audit"
)

type memoryState struct {
	identities      map[int64]struct{}
	roles           map[int64]Role
	permissions     map[int64]Permission
	identityRoles   map[int64]map[int64]struct{}
	rolePermissions map[int64]map[int64]struct{}
	nextRoleID      int64
	nextPermID      int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		identities:      make(map[int64]struct{}),
		roles:           make(map[int64]Role),
		permissions:     make(map[int64]Permission),
		identityRoles:   make(map[int64]map[int64]struct{}),
		rolePermissions: make(map[int64]map[int64]struct{}),
		nextRoleID:      1,
		nextPermID:      1,
	}
}

func (s *memoryState) clone() *memoryState {
	out := newMemoryState()
	out.nextRoleID = s.nextRoleID
	out.nextPermID = s.nextPermID
	for id := range s.identities {
		out.identities[id] = struct{}{}
	}
	for id, role := range s.roles {
		out.roles[id] = role
	}
	for id, perm := range s.permissions {
		out.permissions[id] = perm
	}
	for id, set := range s.identityRoles {
		copied := make(map[int64]struct{}, len(set))
		for k := range set {
			copied[k] = struct{}{}
		}
		out.identityRoles[id] = copied
	}
	for id, set := range s.rolePermissions {
		copied := make(map[int64]struct{}, len(set))
		for k := range set {
			copied[k] = struct{}{}
		}
		out.rolePermissions[id] = copied
	}
	return out
}

// memoryRepo serialises mutations through one mutex, mirroring the row
// locking of the real store: concurrent writers to the same identity commit
// one after the other, never interleaved. The working copy is cloned only
// after the mutex is held, matching the read-committed store where a writer
// that waited on a row lock sees the winner's committed rows once it
// proceeds.
type memoryRepo struct {
	mu    sync.Mutex
	state *memoryState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: newMemoryState()}
}

func (r *memoryRepo) addIdentity(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.identities[id] = struct{}{}
}

func (r *memoryRepo) addRole(name string, active, protected bool) Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	role := Role{ID: r.state.nextRoleID, Name: name, Active: active, Protected: protected, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	r.state.nextRoleID++
	r.state.roles[role.ID] = role
	return role
}

func (r *memoryRepo) addPermission(name string) Permission {
	r.mu.Lock()
	defer r.mu.Unlock()
	perm := Permission{ID: r.state.nextPermID, Name: name}
	r.state.nextPermID++
	r.state.permissions[perm.ID] = perm
	return perm
}

func (r *memoryRepo) grant(roleID, permissionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.rolePermissions[roleID] == nil {
		r.state.rolePermissions[roleID] = make(map[int64]struct{})
	}
	r.state.rolePermissions[roleID][permissionID] = struct{}{}
}

func (r *memoryRepo) assign(identityID, roleID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.identityRoles[identityID] == nil {
		r.state.identityRoles[identityID] = make(map[int64]struct{})
	}
	r.state.identityRoles[identityID][roleID] = struct{}{}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	working := r.state.clone()
	if err := fn(ctx, &memoryTx{state: working}); err != nil {
		return err
	}
	r.state = working
	return nil
}

func (r *memoryRepo) IdentityExists(ctx context.Context, identityID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.state.identities[identityID]
	return ok, nil
}

func (r *memoryRepo) EffectivePermissions(ctx context.Context, identityID int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for roleID := range r.state.identityRoles[identityID] {
		role, ok := r.state.roles[roleID]
		if !ok || !role.Active {
			continue
		}
		for permID := range r.state.rolePermissions[roleID] {
			seen[r.state.permissions[permID].Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *memoryRepo) RolePermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for permID := range r.state.rolePermissions[roleID] {
		names = append(names, r.state.permissions[permID].Name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *memoryRepo) ListRoles(ctx context.Context) ([]Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var roles []Role
	for _, role := range r.state.roles {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (r *memoryRepo) ListPermissions(ctx context.Context) ([]Permission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var perms []Permission
	for _, perm := range r.state.permissions {
		perms = append(perms, perm)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms, nil
}

func (r *memoryRepo) ListIdentitiesForRole(ctx context.Context, roleID int64) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for identityID, set := range r.state.identityRoles {
		if _, ok := set[roleID]; ok {
			ids = append(ids, identityID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) LockIdentity(ctx context.Context, identityID int64) error {
	if _, ok := t.state.identities[identityID]; !ok {
		return &IdentityNotFoundError{ID: identityID}
	}
	return nil
}

func (t *memoryTx) LockRole(ctx context.Context, roleID int64) (Role, error) {
	role, ok := t.state.roles[roleID]
	if !ok {
		return Role{}, &RoleNotFoundError{ID: roleID}
	}
	return role, nil
}

func (t *memoryTx) LockIdentities(ctx context.Context, identityIDs []int64) error {
	var missing []int64
	for _, id := range identityIDs {
		if _, ok := t.state.identities[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return &MissingIdentitiesError{IDs: missing}
	}
	return nil
}

func (t *memoryTx) LockActiveRoles(ctx context.Context, roleIDs []int64) ([]Role, error) {
	var roles []Role
	var missing []int64
	for _, id := range roleIDs {
		role, ok := t.state.roles[id]
		if !ok || !role.Active {
			missing = append(missing, id)
			continue
		}
		roles = append(roles, role)
	}
	if len(missing) > 0 {
		return nil, &MissingRolesError{IDs: missing}
	}
	return roles, nil
}

func (t *memoryTx) ResolveActiveRoles(ctx context.Context, names []string) (map[string]int64, error) {
	resolved := make(map[string]int64)
	for _, role := range t.state.roles {
		if !role.Active {
			continue
		}
		for _, name := range names {
			if strings.EqualFold(role.Name, name) {
				resolved[strings.ToLower(role.Name)] = role.ID
			}
		}
	}
	return resolved, nil
}

func (t *memoryTx) ResolvePermissions(ctx context.Context, names []string) (map[string]int64, error) {
	resolved := make(map[string]int64)
	for _, perm := range t.state.permissions {
		for _, name := range names {
			if strings.EqualFold(perm.Name, name) {
				resolved[strings.ToLower(perm.Name)] = perm.ID
			}
		}
	}
	return resolved, nil
}

func (t *memoryTx) IdentityRoleIDs(ctx context.Context, identityID int64) ([]int64, error) {
	var ids []int64
	for roleID := range t.state.identityRoles[identityID] {
		ids = append(ids, roleID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *memoryTx) ReplaceIdentityRoles(ctx context.Context, identityID int64, roleIDs []int64) error {
	set := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		set[id] = struct{}{}
	}
	t.state.identityRoles[identityID] = set
	return nil
}

func (t *memoryTx) AddIdentityRoles(ctx context.Context, identityID int64, roleIDs []int64) error {
	if t.state.identityRoles[identityID] == nil {
		t.state.identityRoles[identityID] = make(map[int64]struct{})
	}
	for _, id := range roleIDs {
		t.state.identityRoles[identityID][id] = struct{}{}
	}
	return nil
}

func (t *memoryTx) RemoveIdentityRoles(ctx context.Context, identityID int64, roleIDs []int64) error {
	for _, id := range roleIDs {
		delete(t.state.identityRoles[identityID], id)
	}
	return nil
}

func (t *memoryTx) RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	var ids []int64
	for permID := range t.state.rolePermissions[roleID] {
		ids = append(ids, permID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *memoryTx) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	set := make(map[int64]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		set[id] = struct{}{}
	}
	t.state.rolePermissions[roleID] = set
	return nil
}

func (t *memoryTx) AddRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if t.state.rolePermissions[roleID] == nil {
		t.state.rolePermissions[roleID] = make(map[int64]struct{})
	}
	for _, id := range permissionIDs {
		t.state.rolePermissions[roleID][id] = struct{}{}
	}
	return nil
}

func (t *memoryTx) RemoveRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	for _, id := range permissionIDs {
		delete(t.state.rolePermissions[roleID], id)
	}
	return nil
}

func (t *memoryTx) RoleNameExists(ctx context.Context, name string) (bool, error) {
	for _, role := range t.state.roles {
		if strings.EqualFold(role.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) InsertRole(ctx context.Context, name, description string) (Role, error) {
	for _, role := range t.state.roles {
		if strings.EqualFold(role.Name, name) {
			return Role{}, &DuplicateNameError{Kind: "role", Name: name}
		}
	}
	role := Role{ID: t.state.nextRoleID, Name: name, Description: description, Active: true, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	t.state.nextRoleID++
	t.state.roles[role.ID] = role
	return role, nil
}

func (t *memoryTx) PermissionNameExists(ctx context.Context, name string) (bool, error) {
	for _, perm := range t.state.permissions {
		if strings.EqualFold(perm.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) InsertPermission(ctx context.Context, name, description, category string) (Permission, error) {
	for _, perm := range t.state.permissions {
		if strings.EqualFold(perm.Name, name) {
			return Permission{}, &DuplicateNameError{Kind: "permission", Name: name}
		}
	}
	perm := Permission{ID: t.state.nextPermID, Name: name, Description: description, Category: category}
	t.state.nextPermID++
	t.state.permissions[perm.ID] = perm
	return perm, nil
}

func (t *memoryTx) CountIdentityRoleRefs(ctx context.Context, roleID int64) (int64, error) {
	var count int64
	for _, set := range t.state.identityRoles {
		if _, ok := set[roleID]; ok {
			count++
		}
	}
	return count, nil
}

func (t *memoryTx) DeactivateRole(ctx context.Context, roleID int64) error {
	role, ok := t.state.roles[roleID]
	if !ok {
		return &RoleNotFoundError{ID: roleID}
	}
	role.Active = false
	t.state.roles[roleID] = role
	return nil
}

func (t *memoryTx) HardDeleteRole(ctx context.Context, roleID int64) error {
	if _, ok := t.state.roles[roleID]; !ok {
		return &RoleNotFoundError{ID: roleID}
	}
	delete(t.state.roles, roleID)
	delete(t.state.rolePermissions, roleID)
	return nil
}

func (t *memoryTx) LockPermission(ctx context.Context, permissionID int64) (Permission, error) {
	perm, ok := t.state.permissions[permissionID]
	if !ok {
		return Permission{}, &PermissionNotFoundError{ID: permissionID}
	}
	return perm, nil
}

func (t *memoryTx) CountRolePermissionRefs(ctx context.Context, permissionID int64) (int64, error) {
	var count int64
	for _, set := range t.state.rolePermissions {
		if _, ok := set[permissionID]; ok {
			count++
		}
	}
	return count, nil
}

func (t *memoryTx) HardDeletePermission(ctx context.Context, permissionID int64) error {
	if _, ok := t.state.permissions[permissionID]; !ok {
		return &PermissionNotFoundError{ID: permissionID}
	}
	delete(t.state.permissions, permissionID)
	return nil
}

type memoryRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
	failErr error
}

func (m *memoryRecorder) Record(ctx context.Context, entry audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryRecorder) byAction(action string) []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []audit.Entry
	for _, entry := range m.entries {
		if entry.Action == action {
			matched = append(matched, entry)
		}
	}
	return matched
}

type memoryInvalidator struct {
	mu  sync.Mutex
	ids []int64
}

func (m *memoryInvalidator) Invalidate(ctx context.Context, identityID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, identityID)
	return nil
}

func (m *memoryInvalidator) seen() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]int64(nil), m.ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func newTestService(repo *memoryRepo, recorder *memoryRecorder, invalidator *memoryInvalidator) *Service {
	return NewService(repo, recorder, invalidator, ServiceConfig{
		MandatoryPermissions: map[string][]string{"admin": {"manage_roles"}},
	}, nil)
}

func TestAssignRolesReplacesEntireSet(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	recorder := &memoryRecorder{}
	svc := newTestService(repo, recorder, &memoryInvalidator{})

	repo.addIdentity(1)
	editor := repo.addRole("editor", true, false)
	viewer := repo.addRole("viewer", true, false)
	auditor := repo.addRole("auditor", true, false)
	edit := repo.addPermission("edit_supplier")
	view := repo.addPermission("view_supplier")
	logs := repo.addPermission("view_audit_log")
	repo.grant(editor.ID, edit.ID)
	repo.grant(editor.ID, view.ID)
	repo.grant(viewer.ID, view.ID)
	repo.grant(auditor.ID, logs.ID)

	require.NoError(t, svc.AssignRoles(ctx, 99, 1, []string{"editor", "viewer"}))
	set, err := svc.EffectivePermissions(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"edit_supplier", "view_supplier"}, set.Names())

	// A second assignment replaces the whole set, it does not merge.
	require.NoError(t, svc.AssignRoles(ctx, 99, 1, []string{"auditor"}))
	set, err = svc.EffectivePermissions(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"view_audit_log"}, set.Names())

	// Empty list is a valid request meaning "remove every role".
	require.NoError(t, svc.AssignRoles(ctx, 99, 1, nil))
	set, err = svc.EffectivePermissions(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, set.Names())
}

func TestEffectivePermissionsUnionDeduplicates(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	repo.addIdentity(1)
	a := repo.addRole("a", true, false)
	b := repo.addRole("b", true, false)
	shared := repo.addPermission("view_supplier")
	only := repo.addPermission("edit_supplier")
	repo.grant(a.ID, shared.ID)
	repo.grant(b.ID, shared.ID)
	repo.grant(b.ID, only.ID)
	repo.assign(1, a.ID)
	repo.assign(1, b.ID)

	set, err := svc.EffectivePermissions(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"edit_supplier", "view_supplier"}, set.Names())
	require.True(t, set.Has("view_supplier"))
	require.False(t, set.Has("delete_supplier"))
}

func TestAssignRolesInactiveRoleExcluded(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	repo.addIdentity(1)
	repo.addRole("retired", false, false)

	err := svc.AssignRoles(ctx, 99, 1, []string{"retired"})
	var unknown *UnknownRoleError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, []string{"retired"}, unknown.Missing)
}

func TestAssignRolesUnknownNameRejectsWholeRequest(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	recorder := &memoryRecorder{}
	svc := newTestService(repo, recorder, &memoryInvalidator{})

	repo.addIdentity(1)
	editor := repo.addRole("editor", true, false)
	repo.assign(1, editor.ID)

	err := svc.AssignRoles(ctx, 99, 1, []string{"editor", "phantom", "ghost"})
	var unknown *UnknownRoleError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, []string{"ghost", "phantom"}, unknown.Missing)

	// The existing assignment survives untouched.
	ids, err := repo.ListIdentitiesForRole(ctx, editor.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)

	failed := recorder.byAction(ActionAssignRoles)
	require.Len(t, failed, 1)
	require.Equal(t, audit.OutcomeFailed, failed[0].Outcome)
}

func TestAssignRolesMissingIdentity(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	repo.addRole("editor", true, false)

	err := svc.AssignRoles(ctx, 99, 42, []string{"editor"})
	var notFound *IdentityNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, int64(42), notFound.ID)
}

func TestAssignRolesAuditsEveryPairAndSummary(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	recorder := &memoryRecorder{}
	svc := newTestService(repo, recorder, &memoryInvalidator{})

	repo.addIdentity(1)
	editor := repo.addRole("editor", true, false)
	viewer := repo.addRole("viewer", true, false)

	require.NoError(t, svc.AssignRoles(ctx, 99, 1, []string{"editor", "viewer"}))

	grants := recorder.byAction(ActionGrantRole)
	require.Len(t, grants, 2)
	keys := []string{grants[0].TargetKey, grants[1].TargetKey}
	sort.Strings(keys)
	require.Equal(t, []string{
		RolePair{IdentityID: 1, RoleID: editor.ID}.Key(),
		RolePair{IdentityID: 1, RoleID: viewer.ID}.Key(),
	}, keys)

	summary := recorder.byAction(ActionAssignRoles)
	require.Len(t, summary, 1)
	require.Equal(t, audit.OutcomeSucceeded, summary[0].Outcome)
	require.Equal(t, int64(99), summary[0].ActorID)

	// Replacing with a subset audits the revocation.
	require.NoError(t, svc.AssignRoles(ctx, 99, 1, []string{"viewer"}))
	revokes := recorder.byAction(ActionRevokeRole)
	require.Len(t, revokes, 1)
	require.Equal(t, RolePair{IdentityID: 1, RoleID: editor.ID}.Key(), revokes[0].TargetKey)
}

func TestAssignRolesIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	recorder := &memoryRecorder{}
	svc := newTestService(repo, recorder, &memoryInvalidator{})

	repo.addIdentity(1)
	repo.addRole("editor", true, false)

	require.NoError(t, svc.AssignRoles(ctx, 99, 1, []string{"editor"}))
	require.NoError(t, svc.AssignRoles(ctx, 99, 1, []string{"Editor"}))

	// The repeat produces no grant or revoke entries, only the summary.
	require.Len(t, recorder.byAction(ActionGrantRole), 1)
	require.Empty(t, recorder.byAction(ActionRevokeRole))
	require.Len(t, recorder.byAction(ActionAssignRoles), 2)
}

func TestAssignPermissionsReplacesAndAudits(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	recorder := &memoryRecorder{}
	svc := newTestService(repo, recorder, &memoryInvalidator{})

	role := repo.addRole("editor", true, false)
	view := repo.addPermission("view_supplier")
	edit := repo.addPermission("edit_supplier")
	repo.grant(role.ID, view.ID)

	require.NoError(t, svc.AssignPermissions(ctx, 99, role.ID, []string{"edit_supplier"}))

	names, err := svc.RolePermissions(ctx, role.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"edit_supplier"}, names)

	grants := recorder.byAction(ActionGrantPermission)
	require.Len(t, grants, 1)
	require.Equal(t, PermissionPair{RoleID: role.ID, PermissionID: edit.ID}.Key(), grants[0].TargetKey)
	revokes := recorder.byAction(ActionRevokePermission)
	require.Len(t, revokes, 1)
	require.Equal(t, PermissionPair{RoleID: role.ID, PermissionID: view.ID}.Key(), revokes[0].TargetKey)
}

func TestAssignPermissionsUnknownPermission(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	role := repo.addRole("editor", true, false)
	view := repo.addPermission("view_supplier")
	repo.grant(role.ID, view.ID)

	err := svc.AssignPermissions(ctx, 99, role.ID, []string{"view_supplier", "launch_missiles"})
	var unknown *UnknownPermissionError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, []string{"launch_missiles"}, unknown.Missing)

	names, err := svc.RolePermissions(ctx, role.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"view_supplier"}, names)
}

func TestAssignPermissionsProtectedRole(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	admin := repo.addRole("admin", true, true)
	manage := repo.addPermission("manage_roles")
	repo.addPermission("view_supplier")
	repo.grant(admin.ID, manage.ID)

	err := svc.AssignPermissions(ctx, 99, admin.ID, []string{"view_supplier"})
	var protected *ProtectedRoleError
	require.ErrorAs(t, err, &protected)
	require.Equal(t, "admin", protected.Role)
	require.Equal(t, []string{"manage_roles"}, protected.Mandatory)

	names, err := svc.RolePermissions(ctx, admin.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"manage_roles"}, names)

	// Keeping the mandatory permission in the replacement is fine.
	require.NoError(t, svc.AssignPermissions(ctx, 99, admin.ID, []string{"manage_roles", "view_supplier"}))
	names, err = svc.RolePermissions(ctx, admin.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"manage_roles", "view_supplier"}, names)
}

func TestAssignPermissionsInvalidatesAllMembers(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	invalidator := &memoryInvalidator{}
	svc := newTestService(repo, &memoryRecorder{}, invalidator)

	role := repo.addRole("editor", true, false)
	repo.addPermission("view_supplier")
	repo.addIdentity(1)
	repo.addIdentity(2)
	repo.assign(1, role.ID)
	repo.assign(2, role.ID)

	require.NoError(t, svc.AssignPermissions(ctx, 99, role.ID, []string{"view_supplier"}))
	require.Equal(t, []int64{1, 2}, invalidator.seen())
}

func TestHasPermission(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	repo.addIdentity(1)
	role := repo.addRole("editor", true, false)
	perm := repo.addPermission("Edit_Supplier")
	repo.grant(role.ID, perm.ID)
	repo.assign(1, role.ID)

	ok, err := svc.HasPermission(ctx, 1, "edit_supplier")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.HasPermission(ctx, 1, "delete_supplier")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = svc.HasPermission(ctx, 404, "edit_supplier")
	var notFound *IdentityNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, int64(404), notFound.ID)
}

func TestCreateRoleDuplicateName(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	role, err := svc.CreateRole(ctx, 99, "Editor", "content editing")
	require.NoError(t, err)
	require.Equal(t, "Editor", role.Name)
	require.True(t, role.Active)

	_, err = svc.CreateRole(ctx, 99, "editor", "")
	var dup *DuplicateNameError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "role", dup.Kind)
}

func TestCreatePermissionDuplicateName(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	perm, err := svc.CreatePermission(ctx, 99, "view_supplier", "read suppliers", "Supplier")
	require.NoError(t, err)
	require.Equal(t, "view_supplier", perm.Name)

	_, err = svc.CreatePermission(ctx, 99, "VIEW_SUPPLIER", "", "")
	var dup *DuplicateNameError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "permission", dup.Kind)
}

func TestDeleteRoleSoftWhenReferenced(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	invalidator := &memoryInvalidator{}
	svc := newTestService(repo, &memoryRecorder{}, invalidator)

	role := repo.addRole("editor", true, false)
	perm := repo.addPermission("edit_supplier")
	repo.grant(role.ID, perm.ID)
	repo.addIdentity(1)
	repo.assign(1, role.ID)

	require.NoError(t, svc.DeleteRole(ctx, 99, role.ID))

	// The role row survives as inactive and assignment rows are retained.
	roles, err := svc.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	require.False(t, roles[0].Active)
	members, err := svc.ListIdentitiesForRole(ctx, role.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, members)

	// The inactive role no longer contributes permissions.
	set, err := svc.EffectivePermissions(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, set.Names())
	require.Equal(t, []int64{1}, invalidator.seen())
}

func TestDeleteRoleHardWhenUnreferenced(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	role := repo.addRole("scratch", true, false)

	require.NoError(t, svc.DeleteRole(ctx, 99, role.ID))
	roles, err := svc.ListRoles(ctx)
	require.NoError(t, err)
	require.Empty(t, roles)

	err = svc.DeleteRole(ctx, 99, role.ID)
	var notFound *RoleNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestAuditWriteFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	recorder := &memoryRecorder{failErr: errors.New("audit store down")}
	svc := newTestService(repo, recorder, &memoryInvalidator{})

	repo.addIdentity(1)
	repo.addRole("editor", true, false)
	repo.addPermission("edit_supplier")

	err := svc.AssignRoles(ctx, 99, 1, []string{"editor"})
	var auditErr *AuditWriteError
	require.ErrorAs(t, err, &auditErr)
	// One grant pair plus the summary entry are still owed to the trail.
	require.Len(t, auditErr.Entries, 2)

	// The mutation itself stands.
	ids, err := repo.ListIdentitiesForRole(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)
}

func TestConcurrentAssignRolesSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	repo.addIdentity(1)
	editor := repo.addRole("editor", true, false)
	viewer := repo.addRole("viewer", true, false)
	auditor := repo.addRole("auditor", true, false)
	// A pre-existing assignment must be fully superseded by whichever caller
	// commits last, exercising the delete half of the replacement.
	repo.assign(1, auditor.ID)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- svc.AssignRoles(ctx, 99, 1, []string{"editor", "viewer"})
	}()
	go func() {
		defer wg.Done()
		errCh <- svc.AssignRoles(ctx, 99, 1, []string{"auditor"})
	}()
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	repo.mu.Lock()
	final := repo.state.identityRoles[1]
	got := make([]int64, 0, len(final))
	for id := range final {
		got = append(got, id)
	}
	repo.mu.Unlock()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })

	want1 := []int64{editor.ID, viewer.ID}
	sort.Slice(want1, func(i, j int) bool { return want1[i] < want1[j] })
	want2 := []int64{auditor.ID}

	// The committed state is exactly one caller's full request, never an
	// interleaving of both.
	if len(got) == 2 {
		require.Equal(t, want1, got)
	} else {
		require.Equal(t, want2, got)
	}
}

func TestNormalizeNamesDedupes(t *testing.T) {
	got := normalizeNames([]string{" Editor ", "editor", "", "VIEWER", "viewer "})
	require.Equal(t, []string{"Editor", "VIEWER"}, got)
}

func TestBulkAssignRolesReplace(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	recorder := &memoryRecorder{}
	invalidator := &memoryInvalidator{}
	svc := newTestService(repo, recorder, invalidator)

	repo.addIdentity(1)
	repo.addIdentity(2)
	repo.addIdentity(3)
	editor := repo.addRole("editor", true, false)
	viewer := repo.addRole("viewer", true, false)
	repo.assign(1, viewer.ID)
	// Identity 3 already holds exactly the target set.
	repo.assign(3, editor.ID)

	result, err := svc.BulkAssignRoles(ctx, 99, []int64{1, 2, 3}, []string{"editor"}, BulkReplace)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, result.Updated)
	require.Equal(t, []int64{3}, result.Unchanged)

	for _, identityID := range []int64{1, 2, 3} {
		ids, err := repo.ListIdentitiesForRole(ctx, editor.ID)
		require.NoError(t, err)
		require.Contains(t, ids, identityID)
	}
	members, err := repo.ListIdentitiesForRole(ctx, viewer.ID)
	require.NoError(t, err)
	require.Empty(t, members)

	// One summary per changed identity; the unchanged one is not audited.
	summaries := recorder.byAction(ActionBulkAssignRoles)
	require.Len(t, summaries, 2)
	require.Equal(t, []int64{1, 2}, invalidator.seen())
}

func TestBulkAssignRolesAddAndRemove(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	recorder := &memoryRecorder{}
	svc := newTestService(repo, recorder, &memoryInvalidator{})

	repo.addIdentity(1)
	repo.addIdentity(2)
	editor := repo.addRole("editor", true, false)
	viewer := repo.addRole("viewer", true, false)
	repo.assign(1, viewer.ID)
	repo.assign(2, editor.ID)

	// Add keeps what each identity already has.
	result, err := svc.BulkAssignRoles(ctx, 99, []int64{1, 2}, []string{"editor"}, BulkAdd)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, result.Updated)
	require.Equal(t, []int64{2}, result.Unchanged)
	members, err := repo.ListIdentitiesForRole(ctx, viewer.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, members)

	// Remove strips only the named role.
	result, err = svc.BulkAssignRoles(ctx, 99, []int64{1, 2}, []string{"viewer"}, BulkRemove)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, result.Updated)
	require.Equal(t, []int64{2}, result.Unchanged)
	members, err = repo.ListIdentitiesForRole(ctx, viewer.ID)
	require.NoError(t, err)
	require.Empty(t, members)
	members, err = repo.ListIdentitiesForRole(ctx, editor.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, members)
}

func TestBulkAssignRolesMissingIdentityRejectsAll(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	recorder := &memoryRecorder{}
	svc := newTestService(repo, recorder, &memoryInvalidator{})

	repo.addIdentity(1)
	editor := repo.addRole("editor", true, false)

	_, err := svc.BulkAssignRoles(ctx, 99, []int64{1, 7, 9}, []string{"editor"}, BulkReplace)
	var missing *MissingIdentitiesError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []int64{7, 9}, missing.IDs)

	// Nothing was written, including for the identity that does exist.
	members, err := repo.ListIdentitiesForRole(ctx, editor.ID)
	require.NoError(t, err)
	require.Empty(t, members)

	failed := recorder.byAction(ActionBulkAssignRoles)
	require.Len(t, failed, 1)
	require.Equal(t, audit.OutcomeFailed, failed[0].Outcome)
}

func TestBulkAssignRolesUnknownRoleRejectsAll(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	repo.addIdentity(1)
	editor := repo.addRole("editor", true, false)
	repo.assign(1, editor.ID)

	_, err := svc.BulkAssignRoles(ctx, 99, []int64{1}, []string{"editor", "ghost"}, BulkReplace)
	var unknown *UnknownRoleError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, []string{"ghost"}, unknown.Missing)

	members, err := repo.ListIdentitiesForRole(ctx, editor.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, members)
}

func TestBulkAssignPermissionsReplace(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	invalidator := &memoryInvalidator{}
	svc := newTestService(repo, &memoryRecorder{}, invalidator)

	editor := repo.addRole("editor", true, false)
	viewer := repo.addRole("viewer", true, false)
	view := repo.addPermission("view_supplier")
	repo.addPermission("edit_supplier")
	repo.grant(viewer.ID, view.ID)
	repo.addIdentity(1)
	repo.addIdentity(2)
	repo.assign(1, editor.ID)
	repo.assign(2, viewer.ID)

	result, err := svc.BulkAssignPermissions(ctx, 99, []int64{editor.ID, viewer.ID}, []string{"view_supplier", "edit_supplier"}, BulkReplace)
	require.NoError(t, err)
	require.Equal(t, []int64{editor.ID, viewer.ID}, result.Updated)

	for _, roleID := range []int64{editor.ID, viewer.ID} {
		names, err := svc.RolePermissions(ctx, roleID)
		require.NoError(t, err)
		require.Equal(t, []string{"edit_supplier", "view_supplier"}, names)
	}
	// Invalidation fans out across the membership of every changed role.
	require.Equal(t, []int64{1, 2}, invalidator.seen())
}

func TestBulkAssignPermissionsInactiveRoleRejected(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	retired := repo.addRole("retired", false, false)
	repo.addPermission("view_supplier")

	_, err := svc.BulkAssignPermissions(ctx, 99, []int64{retired.ID}, []string{"view_supplier"}, BulkReplace)
	var missing *MissingRolesError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []int64{retired.ID}, missing.IDs)
}

func TestBulkAssignPermissionsProtectedRole(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	admin := repo.addRole("admin", true, true)
	manage := repo.addPermission("manage_roles")
	view := repo.addPermission("view_supplier")
	repo.grant(admin.ID, manage.ID)
	repo.grant(admin.ID, view.ID)

	// Removing a mandatory permission from a protected role is refused.
	_, err := svc.BulkAssignPermissions(ctx, 99, []int64{admin.ID}, []string{"manage_roles"}, BulkRemove)
	var protected *ProtectedRoleError
	require.ErrorAs(t, err, &protected)
	require.Equal(t, []string{"manage_roles"}, protected.Mandatory)

	// Removing a non-mandatory one is fine.
	result, err := svc.BulkAssignPermissions(ctx, 99, []int64{admin.ID}, []string{"view_supplier"}, BulkRemove)
	require.NoError(t, err)
	require.Equal(t, []int64{admin.ID}, result.Updated)
	names, err := svc.RolePermissions(ctx, admin.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"manage_roles"}, names)
}

func TestBulkOpValidation(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	repo.addIdentity(1)

	_, err := svc.BulkAssignRoles(ctx, 99, []int64{1}, nil, BulkOp("merge"))
	require.ErrorIs(t, err, ErrUnsupportedBulkOp)
}

func TestDeletePermissionUnreferenced(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	recorder := &memoryRecorder{}
	svc := newTestService(repo, recorder, &memoryInvalidator{})

	perm := repo.addPermission("scratch_perm")

	require.NoError(t, svc.DeletePermission(ctx, 99, perm.ID))
	perms, err := svc.ListPermissions(ctx)
	require.NoError(t, err)
	require.Empty(t, perms)

	deleted := recorder.byAction(ActionDeletePermission)
	require.Len(t, deleted, 1)
	require.Equal(t, audit.OutcomeSucceeded, deleted[0].Outcome)

	err = svc.DeletePermission(ctx, 99, perm.ID)
	var notFound *PermissionNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDeletePermissionReferencedRejected(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := newTestService(repo, &memoryRecorder{}, &memoryInvalidator{})

	role := repo.addRole("editor", true, false)
	perm := repo.addPermission("edit_supplier")
	repo.grant(role.ID, perm.ID)

	err := svc.DeletePermission(ctx, 99, perm.ID)
	var inUse *PermissionInUseError
	require.ErrorAs(t, err, &inUse)
	require.Equal(t, int64(1), inUse.References)

	perms, err := svc.ListPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, perms, 1)
}

func TestCreateRoleEmptyNameAuditedUnderPlaceholder(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	recorder := &memoryRecorder{}
	svc := newTestService(repo, recorder, &memoryInvalidator{})

	_, err := svc.CreateRole(ctx, 99, "   ", "")
	require.ErrorIs(t, err, ErrNameRequired)

	// The failure still reaches the trail even without a usable name.
	failed := recorder.byAction(ActionCreateRole)
	require.Len(t, failed, 1)
	require.Equal(t, audit.OutcomeFailed, failed[0].Outcome)
	require.Equal(t, "unnamed", failed[0].TargetKey)
}
