package auth

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/stocklane/stocklane/internal/identity"
	"github.com/stocklane/stocklane/internal/shared"
)

// Directory is the identity lookup the login flow needs.
type Directory interface {
	FindByUsername(ctx context.Context, username string) (identity.Identity, error)
}

// Service wraps authentication business rules. Credential material is only
// ever compared here; the rest of the system treats the reference as opaque.
type Service struct {
	directory Directory
}

// NewService constructs a new Service.
func NewService(directory Directory) *Service {
	return &Service{directory: directory}
}

// Authenticate validates username/password credentials. Unknown usernames,
// disabled identities, and bad passwords are indistinguishable to callers.
func (s *Service) Authenticate(ctx context.Context, username, password string) (identity.Identity, error) {
	ident, err := s.directory.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return identity.Identity{}, shared.ErrInvalidCredentials
		}
		return identity.Identity{}, err
	}
	if !ident.Enabled {
		return identity.Identity{}, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(ident.CredentialRef), []byte(password)); err != nil {
		return identity.Identity{}, shared.ErrInvalidCredentials
	}
	return ident, nil
}

// HashCredential produces a credential reference for registration flows.
func HashCredential(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
