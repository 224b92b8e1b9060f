package rbac

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/stocklane/stocklane/internal/audit"
	"github.com/stocklane/stocklane/internal/platform/httpx"
	"github.com/stocklane/stocklane/internal/shared"
)

// AuditRetrySink re-queues audit entries that could not be written after a
// committed mutation.
type AuditRetrySink interface {
	EnqueueRetry(ctx context.Context, entry audit.Entry) error
}

// Handler exposes the authorization engine over JSON.
type Handler struct {
	Service   *Service
	RetrySink AuditRetrySink
	Validate  *validator.Validate
	Logger    *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(service *Service, retrySink AuditRetrySink, logger *slog.Logger) *Handler {
	return &Handler{
		Service:   service,
		RetrySink: retrySink,
		Validate:  validator.New(),
		Logger:    logger,
	}
}

// Register mounts the admin routes on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/roles", h.listRoles)
	r.Post("/roles", h.createRole)
	r.Delete("/roles/{roleID}", h.deleteRole)
	r.Get("/roles/{roleID}/permissions", h.rolePermissions)
	r.Put("/roles/{roleID}/permissions", h.assignPermissions)
	r.Get("/roles/{roleID}/identities", h.roleIdentities)
	r.Get("/permissions", h.listPermissions)
	r.Post("/permissions", h.createPermission)
	r.Delete("/permissions/{permissionID}", h.deletePermission)
	r.Put("/identities/{identityID}/roles", h.assignRoles)
	r.Get("/identities/{identityID}/permissions", h.effectivePermissions)
	r.Post("/bulk/identity-roles", h.bulkAssignRoles)
	r.Post("/bulk/role-permissions", h.bulkAssignPermissions)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.Service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, roles)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	role, err := h.Service.CreateRole(r.Context(), actorID, req.Name, req.Description)
	if err != nil {
		var auditErr *AuditWriteError
		if !errors.As(err, &auditErr) {
			h.respondError(w, r, err)
			return
		}
		// The role exists; the caller gets it along with the warning.
		httpx.JSON(w, http.StatusCreated, roleCreatedResponse{Role: role, Warning: h.requeueAudit(r, auditErr)})
		return
	}
	httpx.JSON(w, http.StatusCreated, roleCreatedResponse{Role: role})
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	err := h.Service.DeleteRole(r.Context(), actorID, roleID)
	h.respondMutation(w, r, err)
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	perms, err := h.Service.RolePermissions(r.Context(), roleID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if perms == nil {
		perms = []string{}
	}
	httpx.JSON(w, http.StatusOK, rolePermissionsResponse{RoleID: roleID, Permissions: perms})
}

func (h *Handler) assignPermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req assignPermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	err := h.Service.AssignPermissions(r.Context(), actorID, roleID, req.Permissions)
	h.respondMutation(w, r, err)
}

func (h *Handler) roleIdentities(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	ids, err := h.Service.ListIdentitiesForRole(r.Context(), roleID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	httpx.JSON(w, http.StatusOK, roleIdentitiesResponse{RoleID: roleID, Identities: ids})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.Service.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	perm, err := h.Service.CreatePermission(r.Context(), actorID, req.Name, req.Description, req.Category)
	if err != nil {
		var auditErr *AuditWriteError
		if !errors.As(err, &auditErr) {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusCreated, permissionCreatedResponse{Permission: perm, Warning: h.requeueAudit(r, auditErr)})
		return
	}
	httpx.JSON(w, http.StatusCreated, permissionCreatedResponse{Permission: perm})
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	permissionID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	err := h.Service.DeletePermission(r.Context(), actorID, permissionID)
	h.respondMutation(w, r, err)
}

func (h *Handler) bulkAssignRoles(w http.ResponseWriter, r *http.Request) {
	var req bulkAssignRolesRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	result, err := h.Service.BulkAssignRoles(r.Context(), actorID, req.Identities, req.Roles, bulkOp(req.Operation))
	h.respondBulk(w, r, result, err)
}

func (h *Handler) bulkAssignPermissions(w http.ResponseWriter, r *http.Request) {
	var req bulkAssignPermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	result, err := h.Service.BulkAssignPermissions(r.Context(), actorID, req.Roles, req.Permissions, bulkOp(req.Operation))
	h.respondBulk(w, r, result, err)
}

func bulkOp(raw string) BulkOp {
	if raw == "" {
		return BulkReplace
	}
	return BulkOp(raw)
}

func (h *Handler) assignRoles(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.pathID(w, r, "identityID")
	if !ok {
		return
	}
	var req assignRolesRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	err := h.Service.AssignRoles(r.Context(), actorID, identityID, req.Roles)
	h.respondMutation(w, r, err)
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	identityID, ok := h.pathID(w, r, "identityID")
	if !ok {
		return
	}
	set, err := h.Service.EffectivePermissions(r.Context(), identityID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, effectivePermissionsResponse{IdentityID: identityID, Permissions: set.Names()})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "request body is not valid JSON")
		return false
	}
	if err := h.Validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Path", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// respondMutation answers a mutating call. A committed mutation whose audit
// write failed reports success with a warning after handing the unwritten
// entries to the retry queue.
func (h *Handler) respondMutation(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		httpx.JSON(w, http.StatusOK, mutationResponse{Status: "ok"})
		return
	}
	var auditErr *AuditWriteError
	if errors.As(err, &auditErr) {
		httpx.JSON(w, http.StatusOK, mutationResponse{Status: "ok", Warning: h.requeueAudit(r, auditErr)})
		return
	}
	h.respondError(w, r, err)
}

// respondBulk answers a bulk mutation with its per-target result.
func (h *Handler) respondBulk(w http.ResponseWriter, r *http.Request, result BulkResult, err error) {
	if err == nil {
		httpx.JSON(w, http.StatusOK, bulkResponse{BulkResult: result})
		return
	}
	var auditErr *AuditWriteError
	if errors.As(err, &auditErr) {
		httpx.JSON(w, http.StatusOK, bulkResponse{BulkResult: result, Warning: h.requeueAudit(r, auditErr)})
		return
	}
	h.respondError(w, r, err)
}

// requeueAudit hands the unwritten audit entries of a committed mutation to
// the retry queue and returns the warning for the response body.
func (h *Handler) requeueAudit(r *http.Request, auditErr *AuditWriteError) string {
	requeued := true
	if h.RetrySink == nil {
		requeued = false
	} else {
		for _, entry := range auditErr.Entries {
			if qErr := h.RetrySink.EnqueueRetry(r.Context(), entry); qErr != nil {
				requeued = false
				if h.Logger != nil {
					h.Logger.Error("audit retry enqueue", slog.Any("error", qErr))
				}
			}
		}
	}
	if h.Logger != nil {
		h.Logger.Warn("audit trail incomplete", slog.Bool("requeued", requeued), slog.Any("error", auditErr.Err))
	}
	if !requeued {
		return "mutation applied but audit trail write failed; operator attention required"
	}
	return "mutation applied but audit trail write failed; retry scheduled"
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var unknownRole *UnknownRoleError
	var unknownPerm *UnknownPermissionError
	var duplicate *DuplicateNameError
	var protected *ProtectedRoleError
	var inUse *PermissionInUseError
	var identityNotFound *IdentityNotFoundError
	var roleNotFound *RoleNotFoundError
	var permNotFound *PermissionNotFoundError
	var missingIdentities *MissingIdentitiesError
	var missingRoles *MissingRolesError

	switch {
	case errors.As(err, &unknownRole), errors.As(err, &unknownPerm):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unknown Names", err.Error())
	case errors.As(err, &duplicate):
		httpx.Problem(w, http.StatusConflict, "Duplicate Name", err.Error())
	case errors.As(err, &protected):
		httpx.Problem(w, http.StatusConflict, "Protected Role", err.Error())
	case errors.As(err, &inUse):
		httpx.Problem(w, http.StatusConflict, "Permission In Use", err.Error())
	case errors.As(err, &identityNotFound), errors.As(err, &roleNotFound), errors.As(err, &permNotFound),
		errors.As(err, &missingIdentities), errors.As(err, &missingRoles):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNameRequired), errors.Is(err, ErrUnsupportedBulkOp):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Request", err.Error())
	case errors.Is(err, ErrLockTimeout):
		httpx.Problem(w, http.StatusServiceUnavailable, "Busy", "a concurrent change is in progress; retry the request")
	default:
		if h.Logger != nil {
			h.Logger.Error("rbac handler", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
