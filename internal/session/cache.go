// Package session holds the per-session snapshot of an identity and its
// effective permission set. The cache is never authoritative: every snapshot
// is reconstructable from the persistence store, so deleting it at any time
// loses nothing.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/stocklane/stocklane/internal/identity"
	"github.com/stocklane/stocklane/internal/rbac"
	"github.com/stocklane/stocklane/internal/shared"
)

// Snapshot is the cached view served to authorization checks during a
// session.
type Snapshot struct {
	Identity    identity.Identity `json:"identity"`
	Permissions []string          `json:"permissions"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// Has reports whether the snapshot grants the permission.
func (s Snapshot) Has(permission string) bool {
	for _, name := range s.Permissions {
		if name == permission {
			return true
		}
	}
	return false
}

// Engine is the slice of the authorization engine the cache needs.
type Engine interface {
	EffectivePermissions(ctx context.Context, identityID int64) (rbac.PermissionSet, error)
}

// Directory resolves identities for snapshot refreshes.
type Directory interface {
	FindByID(ctx context.Context, id int64) (identity.Identity, error)
}

// Cache is the Redis backed snapshot store. Engine-driven invalidation is
// keyed by identity and fans out to every session holding that identity; the
// TTL is only the safety net for missed invalidations.
type Cache struct {
	client    *redis.Client
	engine    Engine
	directory Directory
	ttl       time.Duration
	group     singleflight.Group
	logger    *slog.Logger
}

// NewCache constructs the snapshot cache.
func NewCache(client *redis.Client, engine Engine, directory Directory, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, engine: engine, directory: directory, ttl: ttl, logger: logger}
}

func snapshotKey(sessionID string) string {
	return "rbacsnap:" + sessionID
}

func indexKey(identityID int64) string {
	return "rbacsnap:index:" + strconv.FormatInt(identityID, 10)
}

// Get returns the cached snapshot when present and fresh. A stale or absent
// entry is a miss, not an error.
func (c *Cache) Get(ctx context.Context, sessionID string) (Snapshot, bool, error) {
	payload, err := c.client.Get(ctx, snapshotKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, err
	}
	if time.Since(snap.FetchedAt) >= c.ttl {
		// The Redis TTL normally expires the key first; this guards
		// against clock drift between writers.
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}

// Refresh unconditionally reloads the identity and its effective permissions
// from the engine and overwrites the cache entry. Concurrent refreshes of
// the same session collapse into one load.
func (c *Cache) Refresh(ctx context.Context, sessionID string, identityID int64) (Snapshot, error) {
	value, err, _ := c.group.Do(sessionID, func() (any, error) {
		return c.load(ctx, sessionID, identityID)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return value.(Snapshot), nil
}

func (c *Cache) load(ctx context.Context, sessionID string, identityID int64) (Snapshot, error) {
	ident, err := c.directory.FindByID(ctx, identityID)
	if err != nil {
		return Snapshot{}, err
	}
	perms := []string{}
	if ident.Enabled {
		set, err := c.engine.EffectivePermissions(ctx, identityID)
		if err != nil {
			return Snapshot{}, err
		}
		perms = set.Names()
	}
	snap := Snapshot{Identity: ident, Permissions: perms, FetchedAt: time.Now().UTC()}

	payload, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, err
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, snapshotKey(sessionID), payload, c.ttl)
	pipe.SAdd(ctx, indexKey(identityID), sessionID)
	pipe.Expire(ctx, indexKey(identityID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Invalidate drops every session snapshot for the identity. Called by the
// engine after any mutation affecting that identity, directly or through a
// role's permission set changing.
func (c *Cache) Invalidate(ctx context.Context, identityID int64) error {
	sessions, err := c.client.SMembers(ctx, indexKey(identityID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	keys := make([]string, 0, len(sessions)+1)
	for _, sessionID := range sessions {
		keys = append(keys, snapshotKey(sessionID))
	}
	keys = append(keys, indexKey(identityID))
	return c.client.Del(ctx, keys...).Err()
}

// Destroy removes one session's snapshot, for logout.
func (c *Cache) Destroy(ctx context.Context, sessionID string) error {
	payload, err := c.client.Get(ctx, snapshotKey(sessionID)).Bytes()
	if err == nil {
		var snap Snapshot
		if json.Unmarshal(payload, &snap) == nil {
			_ = c.client.SRem(ctx, indexKey(snap.Identity.ID), sessionID).Err()
		}
	}
	return c.client.Del(ctx, snapshotKey(sessionID)).Err()
}

// Permissions serves authorization checks: cached snapshot when fresh,
// transparent refresh otherwise. Implements rbac.PermissionChecker.
func (c *Cache) Permissions(ctx context.Context, sessionID string, identityID int64) (rbac.PermissionSet, error) {
	snap, ok, err := c.Get(ctx, sessionID)
	if err != nil {
		c.logger.Warn("snapshot read", slog.String("session_id", sessionID), slog.Any("error", err))
		ok = false
	}
	if !ok || snap.Identity.ID != identityID {
		snap, err = c.Refresh(ctx, sessionID, identityID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return rbac.PermissionSet{}, nil
			}
			return nil, err
		}
	}
	return rbac.NewPermissionSet(snap.Permissions...), nil
}
