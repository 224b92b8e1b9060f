package rbac

import (
	"context"
	"net/http"
	"strings"

	"log/slog"

	"github.com/stocklane/stocklane/internal/shared"
)

// PermissionChecker resolves the permission set for a session, typically via
// the session snapshot cache with the engine as fallback.
type PermissionChecker interface {
	Permissions(ctx context.Context, sessionID string, identityID int64) (PermissionSet, error)
}

// Middleware wires authorization gates for HTTP handlers.
type Middleware struct {
	Checker PermissionChecker
	Logger  *slog.Logger
}

// RequireAny ensures the current identity has at least one of the required
// permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizeNames(perms)
	return m.gate(normalized, func(granted PermissionSet, required []string) bool {
		for _, perm := range required {
			if granted.Has(strings.ToLower(perm)) {
				return true
			}
		}
		return false
	})
}

// RequireAll ensures the current identity has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizeNames(perms)
	return m.gate(normalized, func(granted PermissionSet, required []string) bool {
		for _, perm := range required {
			if !granted.Has(strings.ToLower(perm)) {
				return false
			}
		}
		return true
	})
}

func (m Middleware) gate(required []string, pass func(PermissionSet, []string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			sess := shared.SessionFromContext(r.Context())
			actorID, ok := shared.ActorFromContext(r.Context())
			if sess == nil || !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			granted, err := m.Checker.Permissions(r.Context(), sess.ID, actorID)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("rbac permission check", slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			lowered := make(PermissionSet, len(granted))
			for name := range granted {
				lowered[strings.ToLower(name)] = struct{}{}
			}
			if pass(lowered, required) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}
