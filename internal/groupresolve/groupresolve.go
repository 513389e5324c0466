// Package groupresolve implements the group resolver described in
// spec.md §4.4 — the access-control heart of the system. It walks a
// group's ancestor chain to find the membership that grants a principal
// access, composing ranks across "connected group" joins without ever
// letting composition improve a rank.
//
// Grounded on the teacher's internal/services policy-evaluation shape
// (fetch → cache → fall back to a bounded recursive lookup) but the
// algorithm itself — direct membership, ancestor walk, connected-group
// composition, re-resolution on stale cache hits — has no teacher
// analogue and is built directly from spec.md §4.4's six numbered steps.
package groupresolve

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/cache"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/metrics"
	"github.com/sentc-io/sentc/server/internal/store"
)

// MaxGroupDepth bounds the ancestor walk so a malformed or adversarial
// parent chain can never make one request issue unbounded recursive SQL
// expansion (spec.md §9 "no configurable limit is specified;
// implementations should reject creation past a sensible depth").
const MaxGroupDepth = 32

const (
	groupMetaPositiveTTL = 30 * time.Minute
	groupMetaNegativeTTL = 10 * time.Minute

	// userMetaShortTTL backs ancestor-derived (step 4) results: spec.md §4.4
	// step 5 requires a short TTL here "because we cannot know when
	// membership joins a parent".
	userMetaShortTTL = 5 * time.Minute
	// userMetaLongTTL backs direct-membership (step 3) results.
	userMetaLongTTL = 24 * time.Hour
)

// UserMeta is the resolved access record for one (group, principal) pair.
// GetValuesFromParent is set only for ancestor-derived memberships (step 4)
// and drives the re-resolution rule of step 5.
type UserMeta struct {
	Rank                 int
	JoinedAt             time.Time
	GetValuesFromParent  *uuid.UUID
}

// EffectiveMembership is the resolver's output, per spec.md §4.4.
type EffectiveMembership struct {
	Group    *db.Group
	UserMeta UserMeta
}

// groupMetaKey and userMetaKey are the cache key shapes; both are plain
// strings so both the in-process and redis cache backends can serve them.
func groupMetaKey(appID, groupID uuid.UUID) string { return appID.String() + ":" + groupID.String() }
func userMetaKey(groupID, checkID uuid.UUID) string { return groupID.String() + ":" + checkID.String() }

// Resolver evaluates EffectiveMembership for a (app, group, principal)
// triple, per spec.md §4.4.
//
// Direct-membership hits (step 3) and ancestor-derived hits (step 4) are
// kept in two distinct caches rather than one, because spec.md §4.4 step 5
// requires different TTLs for the two cases and cache.Cache's TTL is fixed
// at construction — userMetaDirect uses userMetaLongTTL, userMetaAncestor
// uses userMetaShortTTL.
type Resolver struct {
	groups *store.GroupStore

	groupMeta      cache.TTLCache[string, *db.Group]
	userMetaDirect cache.TTLCache[string, UserMeta]
	userMetaAncestor cache.TTLCache[string, UserMeta]
}

func NewResolver(groups *store.GroupStore, groupMeta cache.TTLCache[string, *db.Group], userMetaDirect, userMetaAncestor cache.TTLCache[string, UserMeta]) *Resolver {
	return &Resolver{groups: groups, groupMeta: groupMeta, userMetaDirect: userMetaDirect, userMetaAncestor: userMetaAncestor}
}

// Resolve implements spec.md §4.4 steps 1-6. groupAsMemberID is nil unless
// the client asserts "I reach this group through my membership in that
// group" (step 6's connected-group composition).
func (r *Resolver) Resolve(ctx context.Context, appID, groupID, principalUserID uuid.UUID, groupAsMemberID *uuid.UUID) (*EffectiveMembership, error) {
	base, err := r.resolveDirect(ctx, appID, groupID, principalUserID)
	if err != nil {
		return nil, err
	}

	if groupAsMemberID == nil {
		return base, nil
	}

	// Step 6: a connected group cannot itself be the origin of a further
	// connected-group join — prevents A⊂B⊂A cycles.
	if base.Group.IsConnectedGroup {
		return nil, apperr.ErrGroupConnectedFromConnected
	}

	viaGroup, err := r.resolveDirect(ctx, appID, *groupAsMemberID, principalUserID)
	if err != nil {
		return nil, err
	}

	return &EffectiveMembership{
		Group: base.Group,
		UserMeta: UserMeta{
			Rank:     composeRank(base.UserMeta.Rank, viaGroup.UserMeta.Rank),
			JoinedAt: base.UserMeta.JoinedAt,
		},
	}, nil
}

// composeRank implements spec.md §4.4 step 6's "max(rank_here,
// rank_in_access_group)" rule. Rank 0 is the most privileged value in this
// schema, so "never improved by composition" means the numerically larger
// (weaker) of the two wins.
func composeRank(rankHere, rankInAccessGroup int) int {
	if rankInAccessGroup > rankHere {
		return rankInAccessGroup
	}
	return rankHere
}

// resolveDirect runs steps 1-5 for a single (group, checkID) pair.
func (r *Resolver) resolveDirect(ctx context.Context, appID, groupID, checkID uuid.UUID) (*EffectiveMembership, error) {
	group, err := r.groupByID(ctx, appID, groupID)
	if err != nil {
		return nil, err
	}

	meta, err := r.userMetaFor(ctx, groupID, checkID)
	if err != nil {
		return nil, err
	}

	// Step 5: re-enter resolution when a cached ancestor-derived record
	// still points at the parent it was found at, so a membership change at
	// that parent takes effect as soon as the short TTL expires.
	if meta.GetValuesFromParent != nil {
		return r.resolveDirect(ctx, appID, *meta.GetValuesFromParent, checkID)
	}

	return &EffectiveMembership{Group: group, UserMeta: meta}, nil
}

// groupByID implements step 1.
func (r *Resolver) groupByID(ctx context.Context, appID, groupID uuid.UUID) (*db.Group, error) {
	key := groupMetaKey(appID, groupID)
	if g, found, negative := r.groupMeta.Get(key); found {
		metrics.CacheHits.WithLabelValues("group_meta").Inc()
		if negative {
			return nil, apperr.ErrGroupAccess
		}
		return g, nil
	}
	metrics.CacheMisses.WithLabelValues("group_meta").Inc()

	group, err := r.groups.GetByID(ctx, appID, groupID)
	if err != nil {
		if err == store.ErrNotFound {
			r.groupMeta.SetNegative(key)
			return nil, apperr.ErrGroupAccess
		}
		return nil, fmt.Errorf("groupresolve: group meta: %w", err)
	}

	r.groupMeta.Set(key, group)
	return group, nil
}

// userMetaFor implements steps 2-4 with caching: direct membership first
// (long TTL on hit), then a bounded ancestor walk (short TTL on hit).
func (r *Resolver) userMetaFor(ctx context.Context, groupID, checkID uuid.UUID) (UserMeta, error) {
	key := userMetaKey(groupID, checkID)

	if m, found, negative := r.userMetaDirect.Get(key); found {
		metrics.CacheHits.WithLabelValues("user_meta_direct").Inc()
		if negative {
			return UserMeta{}, apperr.ErrGroupAccess
		}
		return m, nil
	}
	if m, found, negative := r.userMetaAncestor.Get(key); found {
		metrics.CacheHits.WithLabelValues("user_meta_ancestor").Inc()
		if negative {
			return UserMeta{}, apperr.ErrGroupAccess
		}
		return m, nil
	}
	metrics.CacheMisses.WithLabelValues("user_meta_direct").Inc()

	// Step 2-3: direct membership.
	membership, err := r.groups.GetMembership(ctx, groupID, checkID)
	if err == nil {
		meta := UserMeta{Rank: membership.Rank, JoinedAt: membership.JoinedAt}
		r.userMetaDirect.Set(key, meta)
		return meta, nil
	}
	if err != store.ErrNotFound {
		return UserMeta{}, fmt.Errorf("groupresolve: direct membership: %w", err)
	}

	// Step 4: bounded ancestor walk. Find the nearest ancestor where checkID
	// is a member; cache a sentinel pointing at it so step 5 can re-enter.
	metrics.CacheMisses.WithLabelValues("user_meta_ancestor").Inc()
	ancestors, err := r.groups.WalkAncestors(ctx, groupID, MaxGroupDepth)
	if err != nil {
		return UserMeta{}, fmt.Errorf("groupresolve: ancestor walk: %w", err)
	}

	for _, ancestorID := range ancestors[1:] { // [0] is groupID itself
		m, err := r.groups.GetMembership(ctx, ancestorID, checkID)
		if err == nil {
			parent := ancestorID
			sentinel := UserMeta{Rank: m.Rank, JoinedAt: m.JoinedAt, GetValuesFromParent: &parent}
			r.userMetaAncestor.Set(key, sentinel)
			return sentinel, nil
		}
		if err != store.ErrNotFound {
			return UserMeta{}, fmt.Errorf("groupresolve: ancestor membership: %w", err)
		}
	}

	r.userMetaAncestor.SetNegative(key)
	return UserMeta{}, apperr.ErrGroupAccess
}
