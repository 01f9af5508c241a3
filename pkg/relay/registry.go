// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tgmx/crossposter/pkg/store"
)

const linkCacheKeyPrefix = "channel_links:"

// Registry resolves which destinations a source channel fans out to. Lookups
// go through a Redis cache with a TTL; every successful database read also
// refreshes an in-process snapshot that keeps the relay working while the
// database is down.
type Registry struct {
	db    *store.Store
	cache *redis.Client
	ttl   time.Duration
	log   zerolog.Logger

	mu       sync.RWMutex
	lastGood map[int64][]*store.Link
}

func NewRegistry(db *store.Store, cache *redis.Client, ttl time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		db:       db,
		cache:    cache,
		ttl:      ttl,
		log:      log.With().Str("component", "registry").Logger(),
		lastGood: make(map[int64][]*store.Link),
	}
}

// ResolveDestinations returns the enabled links for the source chat. It
// never fails: when the database is unreachable it falls back to the
// last-known-good snapshot (possibly empty) and logs the degradation.
func (r *Registry) ResolveDestinations(ctx context.Context, sourceChatID int64) []*store.Link {
	if links, ok := r.fromCache(ctx, sourceChatID); ok {
		return links
	}
	links, err := r.db.Link.GetEnabledBySourceChat(ctx, sourceChatID)
	if err != nil {
		r.mu.RLock()
		snapshot := r.lastGood[sourceChatID]
		r.mu.RUnlock()
		r.log.Warn().Err(err).
			Int64("source_chat_id", sourceChatID).
			Int("snapshot_links", len(snapshot)).
			Msg("Link lookup failed, serving last-known-good snapshot")
		return snapshot
	}
	r.mu.Lock()
	r.lastGood[sourceChatID] = links
	r.mu.Unlock()
	r.putCache(ctx, sourceChatID, links)
	return links
}

// Invalidate drops the cached resolution for a source chat. Call it after
// any link mutation so the next event sees fresh state.
func (r *Registry) Invalidate(ctx context.Context, sourceChatID int64) {
	if r.cache == nil {
		return
	}
	err := r.cache.Del(ctx, cacheKey(sourceChatID)).Err()
	if err != nil {
		r.log.Warn().Err(err).Int64("source_chat_id", sourceChatID).Msg("Failed to invalidate link cache")
	}
}

func cacheKey(sourceChatID int64) string {
	return fmt.Sprintf("%s%d", linkCacheKeyPrefix, sourceChatID)
}

func (r *Registry) fromCache(ctx context.Context, sourceChatID int64) ([]*store.Link, bool) {
	if r.cache == nil {
		return nil, false
	}
	data, err := r.cache.Get(ctx, cacheKey(sourceChatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	} else if err != nil {
		r.log.Warn().Err(err).Int64("source_chat_id", sourceChatID).Msg("Link cache read failed")
		return nil, false
	}
	var links []*store.Link
	if err = json.Unmarshal(data, &links); err != nil {
		r.log.Warn().Err(err).Int64("source_chat_id", sourceChatID).Msg("Corrupted link cache entry")
		return nil, false
	}
	return links, true
}

func (r *Registry) putCache(ctx context.Context, sourceChatID int64, links []*store.Link) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(links)
	if err != nil {
		return
	}
	err = r.cache.Set(ctx, cacheKey(sourceChatID), data, r.ttl).Err()
	if err != nil {
		r.log.Warn().Err(err).Int64("source_chat_id", sourceChatID).Msg("Link cache write failed")
	}
}
