package identity

import "time"

// Identity represents a registered principal capable of holding roles. The
// credential reference is opaque to this service; validating it is the login
// flow's concern.
type Identity struct {
	ID            int64     `json:"id"`
	Username      string    `json:"username"`
	CredentialRef string    `json:"-"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
