// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/timedcache"
)

// ProfileCache caches Matrix profiles. Entries fetched for a room are keyed
// "roomID:userID" and take precedence; global profiles are keyed by the bare
// user id and only serve as a fallback when a room lookup fails.
type ProfileCache struct {
	api   MatrixAPI
	cache *timedcache.Cache[string, Profile]
	group singleflight.Group
	log   zerolog.Logger
}

// NewProfileCache creates a profile cache whose entries live for ttl.
func NewProfileCache(api MatrixAPI, ttl time.Duration, log zerolog.Logger, opts ...timedcache.Option) *ProfileCache {
	return &ProfileCache{
		api:   api,
		cache: timedcache.New[string, Profile](ttl, opts...),
		log:   log.With().Str("component", "profile_cache").Logger(),
	}
}

func profileKey(roomID id.RoomID, userID id.UserID) string {
	if roomID == "" {
		return string(userID)
	}
	return string(roomID) + ":" + string(userID)
}

// Get returns the profile of userID in roomID. On fetch failure it falls back
// to a cached global profile, then to the user's localpart.
func (p *ProfileCache) Get(ctx context.Context, roomID id.RoomID, userID id.UserID) Profile {
	key := profileKey(roomID, userID)
	if prof, ok := p.cache.Get(key); ok {
		return prof
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		prof, err := p.api.GetProfile(ctx, roomID, userID)
		if err != nil {
			return nil, err
		}
		p.cache.Set(key, *prof)
		if !prof.RoomScoped && roomID != "" {
			p.cache.Set(string(userID), *prof)
		}
		return *prof, nil
	})
	if err == nil {
		return v.(Profile)
	}

	p.log.Warn().Err(err).
		Stringer("room_id", roomID).
		Stringer("user_id", userID).
		Msg("Failed to fetch profile, using fallback")
	if prof, ok := p.cache.Get(string(userID)); ok {
		return prof
	}
	return Profile{DisplayName: localpart(userID)}
}

// Invalidate drops the cached profile of userID in roomID.
func (p *ProfileCache) Invalidate(roomID id.RoomID, userID id.UserID) {
	p.cache.Delete(profileKey(roomID, userID))
}

// Purge drops expired entries.
func (p *ProfileCache) Purge() int {
	return p.cache.Purge()
}

func localpart(userID id.UserID) string {
	lp, _, err := userID.Parse()
	if err != nil || lp == "" {
		return string(userID)
	}
	return lp
}
