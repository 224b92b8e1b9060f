package identity

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stocklane/stocklane/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const identityColumns = `id, username, credential_ref, enabled, created_at, updated_at`

// FindByID fetches an identity by primary key.
func (r *Repository) FindByID(ctx context.Context, id int64) (Identity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identity WHERE id = $1`, id)
	return scanIdentity(row)
}

// FindByUsername fetches an identity by its unique username.
func (r *Repository) FindByUsername(ctx context.Context, username string) (Identity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identity WHERE lower(username) = lower($1)`, username)
	return scanIdentity(row)
}

// Create registers a new identity.
func (r *Repository) Create(ctx context.Context, username, credentialRef string) (Identity, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO identity (username, credential_ref, enabled)
		 VALUES ($1, $2, TRUE)
		 RETURNING `+identityColumns,
		username, credentialRef)
	return scanIdentity(row)
}

// SetEnabled flips the enabled flag. Identities are never deleted while
// assignment rows reference them; disabling is the only removal path.
func (r *Repository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE identity SET enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// List returns all identities ordered by username.
func (r *Repository) List(ctx context.Context) ([]Identity, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+identityColumns+` FROM identity ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Identity
	for rows.Next() {
		var ident Identity
		if err := rows.Scan(&ident.ID, &ident.Username, &ident.CredentialRef, &ident.Enabled, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, ident)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (Identity, error) {
	var ident Identity
	err := row.Scan(&ident.ID, &ident.Username, &ident.CredentialRef, &ident.Enabled, &ident.CreatedAt, &ident.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, shared.ErrNotFound
		}
		return Identity{}, err
	}
	return ident, nil
}
