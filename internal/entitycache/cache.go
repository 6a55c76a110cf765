// Package entitycache is the cache-aside layer in front of gateway profile
// lookups. Hits are served from the durable cache table; confirmed
// nonexistent entities are cached negatively so failing lookups cannot storm
// the gateway.
package entitycache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/featherlist/server/internal/bridge"
	"github.com/featherlist/server/internal/logger"
)

// ErrNotFound is returned for entities that do not exist (or currently
// resolve as nonexistent via the negative cache).
var ErrNotFound = errors.New("entitycache: not found")

// DefaultTTL is how long a cache row (positive or negative) stays fresh.
const DefaultTTL = 4 * time.Hour

// Profile is a resolved entity profile.
type Profile struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Bot      bool   `json:"bot"`
}

// Fetcher is the bridge surface the cache needs. Satisfied by *bridge.Bridge.
type Fetcher interface {
	Call(ctx context.Context, command string, args []string, payload any, timeout time.Duration) ([]byte, error)
}

// Cache resolves entity profiles with TTL and negative caching.
type Cache struct {
	db      *sql.DB
	fetcher Fetcher
	ttl     time.Duration
}

// New creates a Cache. ttl <= 0 selects DefaultTTL.
func New(db *sql.DB, fetcher Fetcher, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{db: db, fetcher: fetcher, ttl: ttl}
}

// Resolve returns the entity's profile, or ErrNotFound.
func (c *Cache) Resolve(ctx context.Context, entityID int64) (*Profile, error) {
	return c.resolve(ctx, entityID, false, false)
}

// ResolveBot is Resolve restricted to entities known to be bots.
func (c *Cache) ResolveBot(ctx context.Context, entityID int64) (*Profile, error) {
	return c.resolve(ctx, entityID, true, false)
}

func (c *Cache) resolve(ctx context.Context, entityID int64, botOnly, refreshed bool) (*Profile, error) {
	// Snowflakes are 17-20 decimal digits; anything else cannot exist
	// upstream and is rejected before touching cache or gateway.
	idLen := len(strconv.FormatInt(entityID, 10))
	if idLen < 17 || idLen > 20 {
		logger.Debugf("entitycache: ignoring blatantly wrong ID %d", entityID)
		return nil, ErrNotFound
	}

	var (
		username, avatar, validFor sql.NullString
		valid                      bool
		epoch                      float64
	)
	err := c.db.QueryRowContext(
		ctx,
		`SELECT username, avatar, valid, valid_for, epoch FROM entity_cache WHERE entity_id = ?`,
		entityID,
	).Scan(&username, &avatar, &valid, &validFor, &epoch)

	switch {
	case err == nil:
		age := time.Since(time.Unix(0, int64(epoch*1e9)))
		if age <= c.ttl {
			if !valid {
				// Negative hit: a lookup known to fail, still under TTL.
				return nil, ErrNotFound
			}
			kinds := strings.Split(validFor.String, "|")
			isBot := contains(kinds, "bot")
			if botOnly && !isBot {
				return nil, ErrNotFound
			}
			return &Profile{Username: username.String, Avatar: avatar.String, Bot: isBot}, nil
		}
		// Stale; fall through to refresh.
	case err == sql.ErrNoRows:
		// Miss; fall through to refresh.
	default:
		return nil, err
	}

	if refreshed {
		// The refresh already ran once this call; a second miss means the
		// upsert and the read disagree, which should not happen.
		return nil, fmt.Errorf("entitycache: refresh loop for entity %d", entityID)
	}

	if err := c.refresh(ctx, entityID); err != nil {
		return nil, err
	}

	// Recurse once so the read path is the single source of formatting.
	return c.resolve(ctx, entityID, botOnly, true)
}

// refresh issues exactly one gateway lookup and upserts the result. A failed
// or empty lookup is cached as a negative row.
func (c *Cache) refresh(ctx context.Context, entityID int64) error {
	id := strconv.FormatInt(entityID, 10)

	var profile *Profile
	data, err := c.fetcher.Call(ctx, "GETCH", []string{id}, nil, 0)
	if err != nil {
		// Backend hiccup: downgrade to a cached negative result instead of
		// propagating, so retries within the TTL stay off the gateway.
		logger.Warnf("entitycache: gateway lookup failed for %s: %v", id, err)
	} else if len(data) > 0 {
		var p Profile
		if jsonErr := json.Unmarshal(data, &p); jsonErr != nil {
			logger.Warnf("entitycache: bad gateway payload for %s: %v", id, jsonErr)
		} else if p.Username != "" {
			profile = &p
		}
	}

	var (
		username, avatar any
		valid            bool
		validFor         string
	)
	if profile != nil {
		username, avatar, valid = profile.Username, profile.Avatar, true
		validFor = "user"
		if profile.Bot {
			validFor += "|bot"
		}
	}

	_, err = c.db.ExecContext(
		ctx,
		`INSERT INTO entity_cache (entity_id, username, avatar, valid, valid_for, epoch)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (entity_id) DO UPDATE SET
           username = excluded.username,
           avatar = excluded.avatar,
           valid = excluded.valid,
           valid_for = excluded.valid_for,
           epoch = excluded.epoch`,
		entityID,
		username,
		avatar,
		valid,
		validFor,
		float64(time.Now().UnixNano())/1e9,
	)
	if err != nil {
		return fmt.Errorf("entitycache: upsert: %w", err)
	}

	if profile != nil && profile.Bot {
		// Keep the denormalized bot username current; failure here is not
		// worth failing the lookup.
		if _, err := c.db.ExecContext(ctx,
			`UPDATE bots SET username_cached = ? WHERE bot_id = ?`,
			profile.Username, entityID); err != nil {
			logger.Debugf("entitycache: username_cached update failed: %v", err)
		}
	}
	return nil
}

// Invalidate drops the cache row for an entity. Mutations that change the
// underlying entity call this.
func (c *Cache) Invalidate(ctx context.Context, entityID int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM entity_cache WHERE entity_id = ?`, entityID)
	return err
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// Ensure the real bridge satisfies Fetcher.
var _ Fetcher = (*bridge.Bridge)(nil)
