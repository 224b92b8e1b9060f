package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stocklane/stocklane/internal/identity"
	"github.com/stocklane/stocklane/internal/shared"
	_ "github.com/stocklane/stocklane/testing"
)

type stubDirectory struct {
	identities map[string]identity.Identity
}

func (s *stubDirectory) FindByUsername(ctx context.Context, username string) (identity.Identity, error) {
	ident, ok := s.identities[username]
	if !ok {
		return identity.Identity{}, shared.ErrNotFound
	}
	return ident, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	return NewService(&stubDirectory{identities: map[string]identity.Identity{
		"alice":   {ID: 1, Username: "alice", CredentialRef: string(hash), Enabled: true},
		"mallory": {ID: 2, Username: "mallory", CredentialRef: string(hash), Enabled: false},
	}})
}

func TestAuthenticateSuccess(t *testing.T) {
	svc := newTestService(t)
	ident, err := svc.Authenticate(context.Background(), "alice", "correct horse")
	require.NoError(t, err)
	require.Equal(t, int64(1), ident.ID)
}

func TestAuthenticateFailuresAreIndistinguishable(t *testing.T) {
	svc := newTestService(t)
	cases := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "alice", "battery staple"},
		{"unknown username", "nobody", "correct horse"},
		{"disabled identity", "mallory", "correct horse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Authenticate(context.Background(), tc.username, tc.password)
			require.ErrorIs(t, err, shared.ErrInvalidCredentials)
		})
	}
}

func TestHashCredentialRoundTrip(t *testing.T) {
	ref, err := HashCredential("correct horse")
	require.NoError(t, err)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(ref), []byte("correct horse")))
}
