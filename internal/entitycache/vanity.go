package entitycache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/featherlist/server/internal/bus"
	"github.com/featherlist/server/internal/logger"
)

// VanityTTL is the freshness window for cached slug resolutions. Short, so a
// reassigned slug propagates quickly even without explicit invalidation.
const VanityTTL = 4 * time.Minute

// VanityKind identifies what a vanity slug points at.
type VanityKind int

const (
	VanityBot    VanityKind = 0
	VanityServer VanityKind = 1
)

// VanityTarget is a resolved slug.
type VanityTarget struct {
	EntityID int64      `json:"entity_id"`
	Kind     VanityKind `json:"kind"`
}

// VanityResolver caches slug lookups in the bus KV in front of the vanity
// table.
type VanityResolver struct {
	db  *sql.DB
	bus bus.Bus
	ttl time.Duration
}

// NewVanityResolver creates a resolver. ttl <= 0 selects VanityTTL.
func NewVanityResolver(db *sql.DB, b bus.Bus, ttl time.Duration) *VanityResolver {
	if ttl <= 0 {
		ttl = VanityTTL
	}
	return &VanityResolver{db: db, bus: b, ttl: ttl}
}

func vanityKey(slug string) string {
	return "vanity:" + strings.ToLower(slug)
}

// Resolve maps a human-chosen slug to its entity, or ErrNotFound.
func (r *VanityResolver) Resolve(ctx context.Context, slug string) (*VanityTarget, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return nil, ErrNotFound
	}

	if cached, err := r.bus.Get(ctx, vanityKey(slug)); err == nil {
		var target VanityTarget
		if json.Unmarshal(cached, &target) == nil {
			if target.EntityID == 0 {
				// Cached negative resolution.
				return nil, ErrNotFound
			}
			return &target, nil
		}
	} else if !errors.Is(err, bus.ErrNoKey) {
		logger.Debugf("vanity: cache read failed for %s: %v", slug, err)
	}

	var target VanityTarget
	err := r.db.QueryRowContext(ctx,
		`SELECT target_id, kind FROM vanity WHERE slug = ?`, slug,
	).Scan(&target.EntityID, &target.Kind)
	switch {
	case err == sql.ErrNoRows:
		// Cache the miss too so hot bad slugs stay cheap.
		r.cache(ctx, slug, VanityTarget{})
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}

	r.cache(ctx, slug, target)
	return &target, nil
}

func (r *VanityResolver) cache(ctx context.Context, slug string, target VanityTarget) {
	blob, err := json.Marshal(target)
	if err != nil {
		return
	}
	if err := r.bus.Set(ctx, vanityKey(slug), blob, r.ttl); err != nil {
		logger.Debugf("vanity: cache write failed for %s: %v", slug, err)
	}
}

// Invalidate drops a cached slug. Called whenever the owning entity changes
// its vanity.
func (r *VanityResolver) Invalidate(ctx context.Context, slug string) error {
	return r.bus.Del(ctx, vanityKey(strings.ToLower(strings.TrimSpace(slug))))
}
