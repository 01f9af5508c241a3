// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tgmx/crossposter/pkg/store"
)

// DedupCache remembers which source message IDs were already delivered per
// link. Each link's set is seeded lazily with one bulk query over the
// message log and bounded to the most recent IDs, so memory stays flat no
// matter how long a link lives. The database unique constraint stays the
// authoritative duplicate check; this cache only avoids useless work.
type DedupCache struct {
	db    *store.Store
	limit int
	log   zerolog.Logger

	mu    sync.Mutex
	links map[int64]*sentSet
}

type sentSet struct {
	ids   map[int64]struct{}
	order []int64
}

func NewDedupCache(db *store.Store, limit int, log zerolog.Logger) *DedupCache {
	return &DedupCache{
		db:    db,
		limit: limit,
		log:   log.With().Str("component", "dedup").Logger(),
		links: make(map[int64]*sentSet),
	}
}

// IsDuplicate reports whether the message was already delivered over the
// link. A failed seed query degrades to "not a duplicate": the pending-row
// insert catches real duplicates later.
func (dc *DedupCache) IsDuplicate(ctx context.Context, linkID, messageID int64) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	set, ok := dc.links[linkID]
	if !ok {
		set = dc.seedLocked(ctx, linkID)
	}
	_, dup := set.ids[messageID]
	return dup
}

// MarkSent records delivered message IDs. Only call this after the success
// rows are persisted.
func (dc *DedupCache) MarkSent(linkID int64, messageIDs ...int64) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	set, ok := dc.links[linkID]
	if !ok {
		set = &sentSet{ids: make(map[int64]struct{})}
		dc.links[linkID] = set
	}
	for _, id := range messageIDs {
		set.add(id, dc.limit)
	}
}

// Forget drops the cached set for a link, forcing a reseed on next use.
func (dc *DedupCache) Forget(linkID int64) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	delete(dc.links, linkID)
}

func (dc *DedupCache) seedLocked(ctx context.Context, linkID int64) *sentSet {
	set := &sentSet{ids: make(map[int64]struct{})}
	dc.links[linkID] = set
	sent, err := dc.db.MessageLog.GetSentTelegramIDs(ctx, linkID, dc.limit)
	if err != nil {
		dc.log.Warn().Err(err).Int64("link_id", linkID).Msg("Failed to seed dedup cache")
		// Drop the empty set so the next lookup retries the seed.
		delete(dc.links, linkID)
		return set
	}
	// The query returns newest first, insert oldest first so eviction order
	// matches delivery order.
	for i := len(sent) - 1; i >= 0; i-- {
		set.add(sent[i], dc.limit)
	}
	dc.log.Debug().Int64("link_id", linkID).Int("seeded", len(sent)).Msg("Seeded dedup cache")
	return set
}

func (set *sentSet) add(id int64, limit int) {
	if _, ok := set.ids[id]; ok {
		return
	}
	set.ids[id] = struct{}{}
	set.order = append(set.order, id)
	for limit > 0 && len(set.order) > limit {
		oldest := set.order[0]
		set.order = set.order[1:]
		delete(set.ids, oldest)
	}
}
