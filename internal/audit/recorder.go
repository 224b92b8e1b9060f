// Package audit provides the append-only record of every mutating action
// taken against the authorization engine.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Outcome values for recorded actions.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Target kinds. Association targets have no natural identifier and are keyed
// by the rendered id pair instead.
const (
	TargetIdentity       = "identity"
	TargetRole           = "role"
	TargetPermission     = "permission"
	TargetIdentityRole   = "identity_role"
	TargetRolePermission = "role_permission"
)

// Entry is a single audit record. Entries are append-only; nothing in this
// package updates or deletes them.
type Entry struct {
	At         time.Time      `json:"at"`
	ActorID    int64          `json:"actor_id"`
	Action     string         `json:"action"`
	TargetKind string         `json:"target_kind"`
	TargetKey  string         `json:"target_key"`
	Outcome    string         `json:"outcome"`
	Details    map[string]any `json:"details,omitempty"`
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Key renders a single-entity target key.
func Key(id int64) string {
	return strconv.FormatInt(id, 10)
}

// PairKey renders a composite association key deterministically. The two ids
// always appear in declaration order of the association table, so the same
// pair always yields the same key.
func PairKey(a, b int64) string {
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

// PGRecorder writes entries into the audit_entry table.
type PGRecorder struct {
	pool *pgxpool.Pool
}

// NewPGRecorder returns a Recorder backed by PostgreSQL.
func NewPGRecorder(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{pool: pool}
}

// Record persists the entry.
func (r *PGRecorder) Record(ctx context.Context, entry Entry) error {
	if r == nil || r.pool == nil {
		return errors.New("audit: recorder not initialised")
	}
	if err := Validate(entry); err != nil {
		return err
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return err
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO audit_entry (at, actor_id, action, target_kind, target_key, outcome, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		at, entry.ActorID, entry.Action, entry.TargetKind, entry.TargetKey, entry.Outcome, details)
	return err
}

// Validate reports whether the entry carries the mandatory fields.
func Validate(entry Entry) error {
	if entry.Action == "" || entry.TargetKind == "" || entry.TargetKey == "" {
		return errors.New("audit: entry requires action/target_kind/target_key")
	}
	if entry.Outcome != OutcomeSucceeded && entry.Outcome != OutcomeFailed {
		return errors.New("audit: unknown outcome " + strconv.Quote(entry.Outcome))
	}
	return nil
}
