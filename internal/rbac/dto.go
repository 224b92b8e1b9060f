package rbac

// Request/response shapes for the admin API.

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=64"`
	Description string `json:"description" validate:"max=255"`
}

type createPermissionRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=64"`
	Description string `json:"description" validate:"max=255"`
	Category    string `json:"category" validate:"max=64"`
}

// An empty list is a valid total replacement (it clears the set), so the
// slices are only validated per element.
type assignRolesRequest struct {
	Roles []string `json:"roles" validate:"omitempty,dive,min=1,max=64"`
}

type assignPermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"omitempty,dive,min=1,max=64"`
}

type effectivePermissionsResponse struct {
	IdentityID  int64    `json:"identity_id"`
	Permissions []string `json:"permissions"`
}

type rolePermissionsResponse struct {
	RoleID      int64    `json:"role_id"`
	Permissions []string `json:"permissions"`
}

type roleIdentitiesResponse struct {
	RoleID     int64   `json:"role_id"`
	Identities []int64 `json:"identities"`
}

// Bulk requests default to the replace operation when none is given.
type bulkAssignRolesRequest struct {
	Identities []int64  `json:"identities" validate:"required,min=1,dive,gt=0"`
	Roles      []string `json:"roles" validate:"omitempty,dive,min=1,max=64"`
	Operation  string   `json:"operation" validate:"omitempty,oneof=replace add remove"`
}

type bulkAssignPermissionsRequest struct {
	Roles       []int64  `json:"roles" validate:"required,min=1,dive,gt=0"`
	Permissions []string `json:"permissions" validate:"omitempty,dive,min=1,max=64"`
	Operation   string   `json:"operation" validate:"omitempty,oneof=replace add remove"`
}

type bulkResponse struct {
	BulkResult
	Warning string `json:"warning,omitempty"`
}

// Creation responses carry the created entity even when the audit trail
// write failed, so the caller always learns the new id.
type roleCreatedResponse struct {
	Role
	Warning string `json:"warning,omitempty"`
}

type permissionCreatedResponse struct {
	Permission
	Warning string `json:"warning,omitempty"`
}

type mutationResponse struct {
	Status  string `json:"status"`
	Warning string `json:"warning,omitempty"`
}
