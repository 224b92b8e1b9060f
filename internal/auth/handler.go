package auth

import (
	"errors"
	"net/http"
	"strconv"

	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/stocklane/stocklane/internal/platform/httpx"
	"github.com/stocklane/stocklane/internal/session"
	"github.com/stocklane/stocklane/internal/shared"
)

type loginRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=256"`
}

type loginResponse struct {
	IdentityID  int64    `json:"identity_id"`
	Username    string   `json:"username"`
	Permissions []string `json:"permissions"`
}

// Handler exposes login and logout.
type Handler struct {
	Service        *Service
	SessionManager *shared.SessionManager
	Snapshots      *session.Cache
	Validate       *validator.Validate
	Logger         *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(service *Service, sm *shared.SessionManager, snapshots *session.Cache, logger *slog.Logger) *Handler {
	return &Handler{
		Service:        service,
		SessionManager: sm,
		Snapshots:      snapshots,
		Validate:       validator.New(),
		Logger:         logger,
	}
}

// Login authenticates and primes the session snapshot.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "request body is not valid JSON")
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	ident, err := h.Service.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, shared.ErrInvalidCredentials) {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
			return
		}
		h.Logger.Error("authenticate", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	sess.SetUser(strconv.FormatInt(ident.ID, 10))

	snap, err := h.Snapshots.Refresh(r.Context(), sess.ID, ident.ID)
	if err != nil {
		h.Logger.Error("snapshot refresh on login", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	httpx.JSON(w, http.StatusOK, loginResponse{
		IdentityID:  ident.ID,
		Username:    ident.Username,
		Permissions: snap.Permissions,
	})
}

// Logout tears down the session and its snapshot.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if err := h.Snapshots.Destroy(r.Context(), sess.ID); err != nil {
			h.Logger.Warn("snapshot destroy", slog.Any("error", err))
		}
		h.SessionManager.Destroy(sess)
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
