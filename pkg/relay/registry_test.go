// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgmx/crossposter/pkg/relay"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return mr, client
}

func TestRegistry_ResolveAndCache(t *testing.T) {
	t.Parallel()
	db := newTestStore(t)
	mr, cache := newTestRedis(t)
	ctx := context.Background()
	link := makeLink(t, db, -500, 600)

	registry := relay.NewRegistry(db, cache, time.Minute, zerolog.Nop())
	links := registry.ResolveDestinations(ctx, -500)
	require.Len(t, links, 1)
	assert.Equal(t, link.ID, links[0].ID)
	assert.EqualValues(t, 600, links[0].DestChatID)
	assert.True(t, mr.Exists("channel_links:-500"), "a resolution must populate the cache")

	// Disable the link behind the cache's back: the stale entry keeps
	// serving until it is invalidated.
	require.NoError(t, db.Link.SetEnabled(ctx, link.ID, false))
	links = registry.ResolveDestinations(ctx, -500)
	assert.Len(t, links, 1)

	registry.Invalidate(ctx, -500)
	assert.False(t, mr.Exists("channel_links:-500"))
	links = registry.ResolveDestinations(ctx, -500)
	assert.Empty(t, links)
}

func TestRegistry_CacheExpiry(t *testing.T) {
	t.Parallel()
	db := newTestStore(t)
	mr, cache := newTestRedis(t)
	ctx := context.Background()
	link := makeLink(t, db, -501, 601)

	registry := relay.NewRegistry(db, cache, time.Minute, zerolog.Nop())
	require.Len(t, registry.ResolveDestinations(ctx, -501), 1)

	require.NoError(t, db.Link.SetEnabled(ctx, link.ID, false))
	mr.FastForward(2 * time.Minute)
	assert.Empty(t, registry.ResolveDestinations(ctx, -501), "an expired entry forces a database read")
}

func TestRegistry_NegativeCaching(t *testing.T) {
	t.Parallel()
	db := newTestStore(t)
	mr, cache := newTestRedis(t)
	ctx := context.Background()

	registry := relay.NewRegistry(db, cache, time.Minute, zerolog.Nop())
	assert.Empty(t, registry.ResolveDestinations(ctx, -502))
	assert.True(t, mr.Exists("channel_links:-502"), "chats without links are cached too")
}

func TestRegistry_WorksWithoutRedis(t *testing.T) {
	t.Parallel()
	db := newTestStore(t)
	ctx := context.Background()
	makeLink(t, db, -503, 603)

	registry := relay.NewRegistry(db, nil, time.Minute, zerolog.Nop())
	assert.Len(t, registry.ResolveDestinations(ctx, -503), 1)
	registry.Invalidate(ctx, -503)
	assert.Len(t, registry.ResolveDestinations(ctx, -503), 1)
}

func TestRegistry_LastKnownGoodFallback(t *testing.T) {
	t.Parallel()
	db := newTestStore(t)
	ctx := context.Background()
	link := makeLink(t, db, -504, 604)

	registry := relay.NewRegistry(db, nil, time.Minute, zerolog.Nop())
	require.Len(t, registry.ResolveDestinations(ctx, -504), 1)

	// Kill the database. Resolution degrades to the snapshot instead of
	// dropping events.
	require.NoError(t, db.Close())
	links := registry.ResolveDestinations(ctx, -504)
	require.Len(t, links, 1)
	assert.Equal(t, link.ID, links[0].ID)

	assert.Empty(t, registry.ResolveDestinations(ctx, -505), "no snapshot means an empty result, not a crash")
}

func TestRegistry_RedisDownFallsBackToDatabase(t *testing.T) {
	t.Parallel()
	db := newTestStore(t)
	mr, cache := newTestRedis(t)
	ctx := context.Background()
	makeLink(t, db, -506, 606)

	registry := relay.NewRegistry(db, cache, time.Minute, zerolog.Nop())
	mr.SetError("connection refused")
	links := registry.ResolveDestinations(ctx, -506)
	assert.Len(t, links, 1, "a cache outage must not break resolution")
}
