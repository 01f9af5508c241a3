// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tgmx/crossposter/pkg/maxapi"
	"github.com/tgmx/crossposter/pkg/store"
)

// SenderAPI is the slice of the MAX client the executor needs.
type SenderAPI interface {
	SendMessage(ctx context.Context, chatID int64, payload *maxapi.Payload) (*maxapi.SentMessage, error)
}

// DeliveryOutcome is the terminal result of delivering one post over one
// link.
type DeliveryOutcome int

const (
	OutcomeDelivered DeliveryOutcome = iota
	OutcomeDuplicate
	OutcomeSkipped
	OutcomeFailed
)

// ExecutorConfig bounds the delivery machinery.
type ExecutorConfig struct {
	MaxAttempts        int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	MessagesPerSecond  float64
	MaxConcurrentSends int64
	QueueSize          int
}

// Executor delivers posts. Each link gets its own worker goroutine fed by a
// channel, which keeps deliveries for one link strictly ordered while links
// proceed independently. All sends, live and backfill alike, share one rate
// limiter and one concurrency semaphore because the destination's limits
// are global.
//
// A storage failure while writing a delivery outcome is fatal: without the
// log row the at-most-once guarantee is gone, so the executor reports it
// and the process is expected to drain and exit.
type Executor struct {
	ctx         context.Context
	db          *store.Store
	dedup       *DedupCache
	transformer *Transformer
	api         SenderAPI
	limiter     *rate.Limiter
	sem         *semaphore.Weighted
	cfg         ExecutorConfig
	fatal       func(error)
	fatalOnce   sync.Once
	log         zerolog.Logger

	mu        sync.Mutex
	workers   map[int64]chan *deliveryJob
	stopped   bool
	stopChan  chan struct{}
	producers sync.WaitGroup
	wg        sync.WaitGroup
}

type deliveryJob struct {
	link *store.Link
	post *LogicalPost
}

func NewExecutor(ctx context.Context, db *store.Store, dedup *DedupCache, transformer *Transformer, api SenderAPI, cfg ExecutorConfig, fatal func(error), log zerolog.Logger) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxConcurrentSends < 1 {
		cfg.MaxConcurrentSends = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	limit := rate.Limit(cfg.MessagesPerSecond)
	if cfg.MessagesPerSecond <= 0 {
		limit = rate.Inf
	}
	if fatal == nil {
		fatal = func(error) {}
	}
	return &Executor{
		ctx:         ctx,
		db:          db,
		dedup:       dedup,
		transformer: transformer,
		api:         api,
		limiter:     rate.NewLimiter(limit, 1),
		sem:         semaphore.NewWeighted(cfg.MaxConcurrentSends),
		cfg:         cfg,
		fatal:       fatal,
		log:         log.With().Str("component", "executor").Logger(),
		workers:     make(map[int64]chan *deliveryJob),
		stopChan:    make(chan struct{}),
	}
}

// Enqueue hands a post to the link's worker, creating the worker on first
// use. Posts for one link are delivered in enqueue order.
func (e *Executor) Enqueue(link *store.Link, post *LogicalPost) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.log.Warn().Int64("link_id", link.ID).Msg("Dropping post enqueued after stop")
		return
	}
	queue, ok := e.workers[link.ID]
	if !ok {
		queue = make(chan *deliveryJob, e.cfg.QueueSize)
		e.workers[link.ID] = queue
		e.wg.Add(1)
		go e.runWorker(link.ID, queue)
	}
	// Registered under the lock so Stop can't close the queue while this
	// send is pending: it only closes queues after every registered
	// producer has returned.
	e.producers.Add(1)
	e.mu.Unlock()
	defer e.producers.Done()

	select {
	case queue <- &deliveryJob{link: link, post: post}:
	case <-e.stopChan:
		e.log.Warn().Int64("link_id", link.ID).Msg("Dropping post enqueued during stop")
	case <-e.ctx.Done():
	}
}

// Stop waits out blocked producers, closes all worker queues and waits for
// queued deliveries to drain.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stopChan)
	queues := make([]chan *deliveryJob, 0, len(e.workers))
	for _, queue := range e.workers {
		queues = append(queues, queue)
	}
	e.mu.Unlock()

	// No new producers can register (stopped is set) and the ones already
	// registered either got their job in or bailed on stopChan.
	e.producers.Wait()
	for _, queue := range queues {
		close(queue)
	}
	e.wg.Wait()
}

func (e *Executor) runWorker(linkID int64, queue chan *deliveryJob) {
	defer e.wg.Done()
	log := e.log.With().Int64("link_id", linkID).Logger()
	for job := range queue {
		outcome, err := e.Deliver(e.ctx, job.link, job.post)
		if err != nil && outcome == OutcomeFailed {
			log.Error().Err(err).
				Ints64("message_ids", job.post.MessageIDs).
				Msg("Delivery failed permanently")
		}
	}
}

// Deliver runs the full delivery of one post over one link: pending log
// rows, transform, send with retries, then the outcome rows. The pending
// insert is the authoritative duplicate gate; if every constituent message
// already has a log row the post is not sent again.
func (e *Executor) Deliver(ctx context.Context, link *store.Link, post *LogicalPost) (DeliveryOutcome, error) {
	start := time.Now()
	entries := make([]*store.MessageLog, 0, len(post.MessageIDs))
	for _, msgID := range post.MessageIDs {
		entry, err := e.db.MessageLog.InsertPending(ctx, link.ID, msgID, post.Kind())
		if err != nil {
			return OutcomeFailed, e.storageError(fmt.Errorf("failed to create pending log row: %w", err))
		}
		if entry != nil {
			entries = append(entries, entry)
		}
	}
	if len(entries) == 0 {
		e.log.Debug().
			Int64("link_id", link.ID).
			Ints64("message_ids", post.MessageIDs).
			Msg("Post already logged, skipping")
		return OutcomeDuplicate, nil
	}

	payload, err := e.transformer.Transform(ctx, post)
	var sent *maxapi.SentMessage
	if err == nil {
		sent, err = e.sendWithRetries(ctx, link, payload)
	}
	took := time.Since(start)

	if err != nil {
		var validationErr *ValidationError
		isValidation := errors.As(err, &validationErr)
		for _, entry := range entries {
			if markErr := e.db.MessageLog.MarkFailed(ctx, entry.ID, err.Error(), took); markErr != nil {
				return OutcomeFailed, e.storageError(fmt.Errorf("failed to record delivery failure: %w", markErr))
			}
			if !isValidation {
				if recErr := e.db.Failed.Record(ctx, link.ID, entry.TelegramMessageID, err.Error()); recErr != nil {
					return OutcomeFailed, e.storageError(fmt.Errorf("failed to record failed message: %w", recErr))
				}
			}
		}
		if isValidation {
			return OutcomeSkipped, err
		}
		return OutcomeFailed, err
	}

	for _, entry := range entries {
		if markErr := e.db.MessageLog.MarkSuccess(ctx, entry.ID, sent.MessageID, took); markErr != nil {
			return OutcomeFailed, e.storageError(fmt.Errorf("failed to record delivery success: %w", markErr))
		}
	}
	// Cache update strictly after the success rows are durable.
	e.dedup.MarkSent(link.ID, post.MessageIDs...)
	e.log.Info().
		Int64("link_id", link.ID).
		Int64("dest_chat_id", link.DestChatID).
		Ints64("message_ids", post.MessageIDs).
		Str("max_message_id", sent.MessageID).
		Dur("took", took).
		Msg("Post delivered")
	return OutcomeDelivered, nil
}

// sendWithRetries sends the payload, retrying transient failures with
// jittered exponential backoff. A server-provided Retry-After hint
// overrides the computed delay.
func (e *Executor) sendWithRetries(ctx context.Context, link *store.Link, payload *maxapi.Payload) (*maxapi.SentMessage, error) {
	var lastErr error
	delay := e.cfg.RetryBaseDelay
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := jitter(delay)
			if hint := maxapi.RetryAfter(lastErr); hint > 0 {
				wait = hint
			}
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			delay *= 2
			if e.cfg.RetryMaxDelay > 0 && delay > e.cfg.RetryMaxDelay {
				delay = e.cfg.RetryMaxDelay
			}
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		sent, err := e.api.SendMessage(ctx, link.DestChatID, payload)
		e.sem.Release(1)
		if err == nil {
			return sent, nil
		}
		if !maxapi.IsTemporary(err) {
			return nil, err
		}
		lastErr = err
		e.log.Warn().Err(err).
			Int64("link_id", link.ID).
			Int("attempt", attempt).
			Msg("Transient send failure")
	}
	return nil, fmt.Errorf("send gave up after %d attempts: %w", e.cfg.MaxAttempts, lastErr)
}

// jitter spreads retries over [d/2, d) so parallel failures don't
// synchronize.
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(half)
}

func (e *Executor) storageError(err error) error {
	e.fatalOnce.Do(func() {
		e.log.Error().Err(err).Msg("Storage failure on the delivery log path")
		e.fatal(err)
	})
	return err
}
