// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tgmx/crossposter/pkg/store"
)

// HistorySource fetches channel history in ascending message ID order.
// An empty page means the history is exhausted.
type HistorySource interface {
	FetchPage(ctx context.Context, chatID, afterMessageID int64, limit int) ([]*SourceEvent, error)
}

// BackfillConfig bounds a backfill run.
type BackfillConfig struct {
	PageSize int
	FanOut   int
	// MaxPosts caps how many posts one run processes, zero means no cap.
	MaxPosts         int
	ProgressEvery    int
	ProgressInterval time.Duration
}

// BackfillEngine replays a channel's history over one link. A run streams
// pages chronologically, assembles media groups per page, and delivers
// through the shared executor so the destination rate limit applies, but
// with its own small fan-out so a backfill never starves live delivery.
// Progress is checkpointed after every page, so an interrupted run resumes
// where it stopped instead of re-reading history.
//
// While a run is active the pipeline holds back live delivery for the link
// (IsActive). The enabled flag stays under operator control: the engine
// re-reads it at every page boundary and parks the run as paused when the
// link gets disabled mid-run.
type BackfillEngine struct {
	ctx      context.Context
	db       *store.Store
	executor *Executor
	source   HistorySource
	notifier Notifier
	cfg      BackfillConfig
	log      zerolog.Logger

	mu     sync.Mutex
	active map[int64]context.CancelFunc
}

func NewBackfillEngine(ctx context.Context, db *store.Store, executor *Executor, source HistorySource, notifier Notifier, cfg BackfillConfig, log zerolog.Logger) *BackfillEngine {
	if cfg.PageSize < 1 {
		cfg.PageSize = 100
	}
	if cfg.FanOut < 1 {
		cfg.FanOut = 1
	}
	if notifier == nil {
		notifier = &LogNotifier{Log: log}
	}
	return &BackfillEngine{
		ctx:      ctx,
		db:       db,
		executor: executor,
		source:   source,
		notifier: notifier,
		cfg:      cfg,
		log:      log.With().Str("component", "backfill").Logger(),
		active:   make(map[int64]context.CancelFunc),
	}
}

// Start launches a run in the background. It fails when a run for the link
// is already active.
func (be *BackfillEngine) Start(linkID int64) error {
	runCtx, cancel := context.WithCancel(be.ctx)
	if !be.tryRegister(linkID, cancel) {
		cancel()
		return fmt.Errorf("backfill already active for link %d", linkID)
	}
	go func() {
		defer cancel()
		defer be.unregister(linkID)
		if _, err := be.run(runCtx, linkID); err != nil {
			be.log.Error().Err(err).Int64("link_id", linkID).Msg("Backfill run failed")
		}
	}()
	return nil
}

// Stop cancels an active run. The run checkpoints and parks itself in the
// paused state. Returns false when no run was active.
func (be *BackfillEngine) Stop(linkID int64) bool {
	be.mu.Lock()
	cancel, ok := be.active[linkID]
	be.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// IsActive reports whether a backfill run is in progress for the link. The
// pipeline holds back live delivery while it is.
func (be *BackfillEngine) IsActive(linkID int64) bool {
	be.mu.Lock()
	defer be.mu.Unlock()
	_, ok := be.active[linkID]
	return ok
}

// Run executes a backfill synchronously and returns the final checkpoint.
func (be *BackfillEngine) Run(ctx context.Context, linkID int64) (*store.Checkpoint, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !be.tryRegister(linkID, cancel) {
		return nil, fmt.Errorf("backfill already active for link %d", linkID)
	}
	defer be.unregister(linkID)
	return be.run(runCtx, linkID)
}

func (be *BackfillEngine) tryRegister(linkID int64, cancel context.CancelFunc) bool {
	be.mu.Lock()
	defer be.mu.Unlock()
	if _, ok := be.active[linkID]; ok {
		return false
	}
	be.active[linkID] = cancel
	return true
}

func (be *BackfillEngine) unregister(linkID int64) {
	be.mu.Lock()
	delete(be.active, linkID)
	be.mu.Unlock()
}

type runStats struct {
	mu   sync.Mutex
	sent map[int64]struct{}
}

func (be *BackfillEngine) run(ctx context.Context, linkID int64) (*store.Checkpoint, error) {
	log := be.log.With().Int64("link_id", linkID).Logger()
	// Store access runs detached from the run context: a Stop arriving at
	// any point must still leave a checkpoint row behind, with cancellation
	// observed through ctx.Err() at the loop boundaries instead.
	dbCtx := context.WithoutCancel(ctx)
	link, err := be.db.Link.GetByID(dbCtx, linkID)
	if err != nil {
		return nil, fmt.Errorf("failed to load link: %w", err)
	} else if link == nil {
		return nil, fmt.Errorf("link %d not found", linkID)
	}

	cp, err := be.db.Checkpoint.Get(dbCtx, linkID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil || cp.State == store.BackfillCompleted {
		// A rerun after completion starts over.
		cp = &store.Checkpoint{LinkID: linkID}
	}
	cp.State = store.BackfillInitializing
	if err = be.db.Checkpoint.Put(dbCtx, cp); err != nil {
		return nil, fmt.Errorf("failed to store checkpoint: %w", err)
	}

	sentIDs, err := be.db.MessageLog.GetSentTelegramIDs(dbCtx, linkID, 0)
	if err != nil {
		return be.finish(ctx, link, cp, store.BackfillFailed), fmt.Errorf("failed to load delivered message IDs: %w", err)
	}
	stats := &runStats{sent: make(map[int64]struct{}, len(sentIDs))}
	for _, id := range sentIDs {
		stats.sent[id] = struct{}{}
	}
	log.Info().
		Int("already_delivered", len(sentIDs)).
		Int64("resume_after", cp.LastMessageID).
		Msg("Backfill initialized")

	be.audit(ctx, link, "backfill.start", map[string]any{"resume_after": cp.LastMessageID})
	wasEnabled := link.Enabled

	cp.State = store.BackfillStreaming
	if err = be.db.Checkpoint.Put(dbCtx, cp); err != nil {
		return cp, fmt.Errorf("failed to store checkpoint: %w", err)
	}

	start := time.Now()
	lastNotify := start
	lastNotified := cp.Processed

	for {
		if ctx.Err() != nil {
			be.notifyResult(ctx, link, cp, "paused", time.Since(start))
			return be.finish(ctx, link, cp, store.BackfillPaused), nil
		}
		// An operator disabling the link mid-run stops intake at the next
		// page boundary; already-dispatched deliveries have completed by
		// this point because deliverBatch waits for its group.
		fresh, freshErr := be.db.Link.GetByID(dbCtx, linkID)
		if freshErr == nil {
			if fresh == nil || (wasEnabled && !fresh.Enabled) {
				log.Info().Msg("Link disabled mid-backfill, pausing run")
				be.notifyResult(ctx, link, cp, "paused", time.Since(start))
				return be.finish(ctx, link, cp, store.BackfillPaused), nil
			}
			wasEnabled = fresh.Enabled
		}
		remaining := -1
		if be.cfg.MaxPosts > 0 {
			remaining = be.cfg.MaxPosts - cp.Processed
			if remaining <= 0 {
				break
			}
		}

		page, err := be.source.FetchPage(ctx, link.SourceChatID, cp.LastMessageID, be.cfg.PageSize)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				be.notifyResult(ctx, link, cp, "paused", time.Since(start))
				return be.finish(ctx, link, cp, store.BackfillPaused), nil
			}
			be.notifyResult(ctx, link, cp, "failed", time.Since(start))
			return be.finish(ctx, link, cp, store.BackfillFailed), fmt.Errorf("history fetch failed: %w", err)
		}
		if len(page) == 0 {
			break
		}

		posts := GroupEvents(page)
		truncated := remaining >= 0 && len(posts) > remaining
		if truncated {
			posts = posts[:remaining]
		}
		be.deliverBatch(ctx, link, posts, cp, stats)

		if truncated {
			// Only advance past what was actually processed so a later run
			// with a higher cap picks up the cut-off posts.
			for _, post := range posts {
				for _, id := range post.MessageIDs {
					if id > cp.LastMessageID {
						cp.LastMessageID = id
					}
				}
			}
		} else {
			for _, evt := range page {
				if evt.MessageID > cp.LastMessageID {
					cp.LastMessageID = evt.MessageID
				}
			}
		}
		if err = be.db.Checkpoint.Put(dbCtx, cp); err != nil {
			return cp, fmt.Errorf("failed to store checkpoint: %w", err)
		}

		if be.shouldNotify(cp.Processed, lastNotified, lastNotify) {
			be.notifyProgress(ctx, link, cp, time.Since(start))
			lastNotify = time.Now()
			lastNotified = cp.Processed
		}
	}

	be.notifyResult(ctx, link, cp, "completed", time.Since(start))
	log.Info().
		Int("processed", cp.Processed).
		Int("succeeded", cp.Succeeded).
		Int("skipped", cp.Skipped).
		Int("failed", cp.Failed).
		Dur("took", time.Since(start)).
		Msg("Backfill completed")
	return be.finish(ctx, link, cp, store.BackfillCompleted), nil
}

// deliverBatch pushes the page's posts through the executor with the
// configured fan-out. Media groups are whole posts, so parallelism never
// splits a group.
func (be *BackfillEngine) deliverBatch(ctx context.Context, link *store.Link, posts []*LogicalPost, cp *store.Checkpoint, stats *runStats) {
	var eg errgroup.Group
	eg.SetLimit(be.cfg.FanOut)
	for _, post := range posts {
		eg.Go(func() error {
			outcome := be.deliverPost(ctx, link, post, stats)
			stats.mu.Lock()
			cp.Processed++
			switch outcome {
			case OutcomeDelivered:
				cp.Succeeded++
			case OutcomeDuplicate, OutcomeSkipped:
				cp.Skipped++
			case OutcomeFailed:
				cp.Failed++
			}
			stats.mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
}

func (be *BackfillEngine) deliverPost(ctx context.Context, link *store.Link, post *LogicalPost, stats *runStats) DeliveryOutcome {
	stats.mu.Lock()
	dup := true
	for _, id := range post.MessageIDs {
		if _, ok := stats.sent[id]; !ok {
			dup = false
			break
		}
	}
	stats.mu.Unlock()
	if dup {
		return OutcomeDuplicate
	}
	if !post.deliverable() {
		return OutcomeSkipped
	}
	outcome, err := be.executor.Deliver(ctx, link, post)
	if err != nil && outcome == OutcomeFailed {
		be.log.Warn().Err(err).
			Int64("link_id", link.ID).
			Ints64("message_ids", post.MessageIDs).
			Msg("Backfill delivery failed")
	}
	if outcome == OutcomeDelivered || outcome == OutcomeDuplicate {
		stats.mu.Lock()
		for _, id := range post.MessageIDs {
			stats.sent[id] = struct{}{}
		}
		stats.mu.Unlock()
	}
	return outcome
}

func (be *BackfillEngine) audit(ctx context.Context, link *store.Link, action string, details map[string]any) {
	err := be.db.Audit.Insert(context.WithoutCancel(ctx), &store.AuditLog{
		UserID:     link.UserID,
		Action:     action,
		EntityType: "crossposting_link",
		EntityID:   link.ID,
		Details:    details,
	})
	if err != nil {
		be.log.Warn().Err(err).Int64("link_id", link.ID).Str("action", action).Msg("Failed to write audit record")
	}
}

func (be *BackfillEngine) finish(ctx context.Context, link *store.Link, cp *store.Checkpoint, state store.BackfillState) *store.Checkpoint {
	cp.State = state
	err := be.db.Checkpoint.Put(context.WithoutCancel(ctx), cp)
	if err != nil {
		be.log.Error().Err(err).
			Int64("link_id", cp.LinkID).
			Str("state", string(state)).
			Msg("Failed to store final checkpoint")
	}
	be.audit(ctx, link, "backfill."+string(state), map[string]any{
		"processed": cp.Processed,
		"succeeded": cp.Succeeded,
		"skipped":   cp.Skipped,
		"failed":    cp.Failed,
	})
	return cp
}

func (be *BackfillEngine) shouldNotify(processed, lastNotified int, lastNotify time.Time) bool {
	if be.cfg.ProgressEvery > 0 && processed-lastNotified >= be.cfg.ProgressEvery {
		return true
	}
	return be.cfg.ProgressInterval > 0 && time.Since(lastNotify) >= be.cfg.ProgressInterval && processed > lastNotified
}

func (be *BackfillEngine) notifyProgress(ctx context.Context, link *store.Link, cp *store.Checkpoint, elapsed time.Duration) {
	text := fmt.Sprintf("Backfill progress: %d processed, %d succeeded, %d skipped, %d failed (running %s)",
		cp.Processed, cp.Succeeded, cp.Skipped, cp.Failed, elapsed.Round(time.Second))
	be.notify(ctx, link, text)
}

func (be *BackfillEngine) notifyResult(ctx context.Context, link *store.Link, cp *store.Checkpoint, result string, elapsed time.Duration) {
	text := fmt.Sprintf("Backfill %s: %d processed, %d succeeded, %d skipped, %d failed in %s",
		result, cp.Processed, cp.Succeeded, cp.Skipped, cp.Failed, elapsed.Round(time.Second))
	be.notify(ctx, link, text)
}

func (be *BackfillEngine) notify(ctx context.Context, link *store.Link, text string) {
	user, err := be.db.User.Get(context.WithoutCancel(ctx), link.UserID)
	if err != nil || user == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err = be.notifier.Notify(notifyCtx, user.TelegramUserID, text); err != nil {
		be.log.Warn().Err(err).Int64("link_id", link.ID).Msg("Failed to deliver notification")
	}
}
