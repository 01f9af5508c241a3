// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements the crossposting pipeline: link resolution,
// deduplication, media group assembly, payload transformation, ordered
// delivery and historical backfill.
package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Pipeline is the live front door: it consumes normalized source events and
// drives them through aggregation, link resolution, dedup and delivery.
type Pipeline struct {
	ctx        context.Context
	registry   *Registry
	dedup      *DedupCache
	executor   *Executor
	backfill   *BackfillEngine
	aggregator *Aggregator
	log        zerolog.Logger
}

// PipelineConfig holds the aggregation knobs of the live path.
type PipelineConfig struct {
	MediaGroupWindow   time.Duration
	MediaGroupMaxWait  time.Duration
	MediaGroupMaxParts int
}

func NewPipeline(ctx context.Context, registry *Registry, dedup *DedupCache, executor *Executor, backfill *BackfillEngine, cfg PipelineConfig, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		ctx:      ctx,
		registry: registry,
		dedup:    dedup,
		executor: executor,
		backfill: backfill,
		log:      log.With().Str("component", "pipeline").Logger(),
	}
	p.aggregator = NewAggregator(cfg.MediaGroupWindow, cfg.MediaGroupMaxWait, cfg.MediaGroupMaxParts, p.dispatch, log)
	return p
}

// HandleEvent takes one normalized event from the ingestion boundary.
// Edited messages are only relayed when the original was never delivered;
// the per-link duplicate gate downstream makes redeliveries no-ops, so an
// edit of a delivered message simply dies there.
func (p *Pipeline) HandleEvent(evt *SourceEvent) {
	if evt == nil || evt.MessageID == 0 || evt.ChannelID == 0 {
		p.log.Debug().Msg("Dropping malformed event")
		return
	}
	if evt.empty() {
		p.log.Debug().
			Int64("channel_id", evt.ChannelID).
			Int64("message_id", evt.MessageID).
			Msg("Dropping event without content")
		return
	}
	p.aggregator.Add(evt)
}

// dispatch fans an assembled post out to every enabled link of its source
// channel.
func (p *Pipeline) dispatch(post *LogicalPost) {
	links := p.registry.ResolveDestinations(p.ctx, post.ChannelID)
	for _, link := range links {
		if !link.Enabled {
			continue
		}
		if p.backfill != nil && p.backfill.IsActive(link.ID) {
			p.log.Debug().
				Int64("link_id", link.ID).
				Ints64("message_ids", post.MessageIDs).
				Msg("Backfill active, holding back live post")
			continue
		}
		if p.allDuplicate(link.ID, post.MessageIDs) {
			p.log.Debug().
				Int64("link_id", link.ID).
				Ints64("message_ids", post.MessageIDs).
				Msg("Skipping duplicate post")
			continue
		}
		p.executor.Enqueue(link, post)
	}
}

func (p *Pipeline) allDuplicate(linkID int64, messageIDs []int64) bool {
	for _, id := range messageIDs {
		if !p.dedup.IsDuplicate(p.ctx, linkID, id) {
			return false
		}
	}
	return true
}

// Close flushes pending media groups into the delivery queues. Call it
// after the event source has stopped and before stopping the executor.
func (p *Pipeline) Close() {
	p.aggregator.Close()
}
