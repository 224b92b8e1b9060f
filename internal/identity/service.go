package identity

import (
	"context"
	"errors"
	"strings"
)

// RepositoryPort defines data access methods for identities.
type RepositoryPort interface {
	FindByID(ctx context.Context, id int64) (Identity, error)
	FindByUsername(ctx context.Context, username string) (Identity, error)
	Create(ctx context.Context, username, credentialRef string) (Identity, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	List(ctx context.Context) ([]Identity, error)
}

// Service handles identity directory logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// FindByID fetches one identity.
func (s *Service) FindByID(ctx context.Context, id int64) (Identity, error) {
	return s.repo.FindByID(ctx, id)
}

// FindByUsername fetches one identity by username.
func (s *Service) FindByUsername(ctx context.Context, username string) (Identity, error) {
	return s.repo.FindByUsername(ctx, strings.TrimSpace(username))
}

// Register creates a new identity with an opaque credential reference.
func (s *Service) Register(ctx context.Context, username, credentialRef string) (Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Identity{}, errors.New("identity: username required")
	}
	return s.repo.Create(ctx, username, credentialRef)
}

// Disable soft-disables an identity. Assignment rows are retained.
func (s *Service) Disable(ctx context.Context, id int64) error {
	return s.repo.SetEnabled(ctx, id, false)
}

// Enable re-activates an identity.
func (s *Service) Enable(ctx context.Context, id int64) error {
	return s.repo.SetEnabled(ctx, id, true)
}

// List returns all identities.
func (s *Service) List(ctx context.Context) ([]Identity, error) {
	return s.repo.List(ctx)
}
