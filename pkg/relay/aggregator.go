// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FlushFunc receives each assembled logical post.
type FlushFunc func(post *LogicalPost)

// Aggregator buffers media group parts until the group is complete. Every
// new part pushes the flush timer forward by the window, capped by a maximum
// total wait measured from the first part. Events without a group ID flush
// immediately as single-message posts.
type Aggregator struct {
	window   time.Duration
	maxWait  time.Duration
	maxParts int
	flush    FlushFunc
	log      zerolog.Logger

	mu     sync.Mutex
	groups map[groupKey]*pendingGroup
	closed bool
}

type groupKey struct {
	channelID int64
	groupID   string
}

type pendingGroup struct {
	parts    []*SourceEvent
	deadline time.Time
	timer    *time.Timer
	gen      uint64
}

func NewAggregator(window, maxWait time.Duration, maxParts int, flush FlushFunc, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		window:   window,
		maxWait:  maxWait,
		maxParts: maxParts,
		flush:    flush,
		log:      log.With().Str("component", "aggregator").Logger(),
		groups:   make(map[groupKey]*pendingGroup),
	}
}

// Add routes one source event. Grouped events are buffered, everything else
// flushes immediately.
func (agg *Aggregator) Add(evt *SourceEvent) {
	if evt.GroupID == "" {
		agg.flush(newPost([]*SourceEvent{evt}))
		return
	}

	key := groupKey{channelID: evt.ChannelID, groupID: evt.GroupID}
	agg.mu.Lock()
	if agg.closed {
		agg.mu.Unlock()
		agg.flush(newPost([]*SourceEvent{evt}))
		return
	}
	group, ok := agg.groups[key]
	if !ok {
		group = &pendingGroup{deadline: time.Now().Add(agg.maxWait)}
		agg.groups[key] = group
	}
	group.parts = append(group.parts, evt)
	if agg.maxParts > 0 && len(group.parts) >= agg.maxParts {
		post := agg.takeLocked(key)
		agg.mu.Unlock()
		if post != nil {
			agg.flush(post)
		}
		return
	}

	wait := agg.window
	if until := time.Until(group.deadline); until < wait {
		wait = until
	}
	if wait <= 0 {
		post := agg.takeLocked(key)
		agg.mu.Unlock()
		if post != nil {
			agg.flush(post)
		}
		return
	}
	group.gen++
	gen := group.gen
	if group.timer != nil {
		group.timer.Stop()
	}
	group.timer = time.AfterFunc(wait, func() {
		agg.flushExpired(key, gen)
	})
	agg.mu.Unlock()
}

// Close flushes every pending group. Further grouped events bypass the
// buffer, so this is only safe once the event source has stopped.
func (agg *Aggregator) Close() {
	agg.mu.Lock()
	agg.closed = true
	var posts []*LogicalPost
	for key := range agg.groups {
		if post := agg.takeLocked(key); post != nil {
			posts = append(posts, post)
		}
	}
	agg.mu.Unlock()
	for _, post := range posts {
		agg.flush(post)
	}
}

func (agg *Aggregator) flushExpired(key groupKey, gen uint64) {
	agg.mu.Lock()
	group, ok := agg.groups[key]
	if !ok || group.gen != gen {
		// A newer part rescheduled the flush or the group is already gone.
		agg.mu.Unlock()
		return
	}
	post := agg.takeLocked(key)
	agg.mu.Unlock()
	if post != nil {
		agg.flush(post)
	}
}

func (agg *Aggregator) takeLocked(key groupKey) *LogicalPost {
	group, ok := agg.groups[key]
	if !ok {
		return nil
	}
	delete(agg.groups, key)
	if group.timer != nil {
		group.timer.Stop()
	}
	agg.log.Debug().
		Str("group_id", key.groupID).
		Int64("channel_id", key.channelID).
		Int("parts", len(group.parts)).
		Msg("Flushing media group")
	return newPost(group.parts)
}
