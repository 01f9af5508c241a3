// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgmx/crossposter/pkg/relay"
	"github.com/tgmx/crossposter/pkg/store"
)

type recordingNotifier struct {
	texts []string
}

func (rn *recordingNotifier) Notify(_ context.Context, _ int64, text string) error {
	rn.texts = append(rn.texts, text)
	return nil
}

func newEngine(t *testing.T, r *rig, history *fakeHistory, cfg relay.BackfillConfig) (*relay.BackfillEngine, *recordingNotifier) {
	t.Helper()
	if cfg.PageSize == 0 {
		cfg.PageSize = 10
	}
	if cfg.FanOut == 0 {
		cfg.FanOut = 2
	}
	notifier := &recordingNotifier{}
	engine := relay.NewBackfillEngine(context.Background(), r.db, r.executor, history, notifier, cfg, zerolog.Nop())
	return engine, notifier
}

func TestBackfill_Run(t *testing.T) {
	t.Parallel()
	r := newRig(t, relay.ExecutorConfig{})
	ctx := context.Background()
	link := makeLink(t, r.db, -700, 800)

	// Message 1 was already delivered before the run.
	entry, err := r.db.MessageLog.InsertPending(ctx, link.ID, 1, "text")
	require.NoError(t, err)
	require.NoError(t, r.db.MessageLog.MarkSuccess(ctx, entry.ID, "mid.old", time.Millisecond))

	album2 := photoEvent(-700, 2, "g1", "a.jpg")
	album3 := photoEvent(-700, 3, "g1", "b.jpg")
	album3.Text = "album caption"
	history := &fakeHistory{events: []*relay.SourceEvent{
		textEvent(-700, 1, "already delivered"),
		album2,
		album3,
		textEvent(-700, 5, "newest"),
	}}
	engine, _ := newEngine(t, r, history, relay.BackfillConfig{FanOut: 1})

	cp, err := engine.Run(ctx, link.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, store.BackfillCompleted, cp.State)
	assert.Equal(t, 3, cp.Processed)
	assert.Equal(t, 2, cp.Succeeded)
	assert.Equal(t, 1, cp.Skipped)
	assert.Zero(t, cp.Failed)
	assert.EqualValues(t, 5, cp.LastMessageID)

	// The album and the newest text post, nothing else.
	require.Equal(t, 2, r.sender.callCount())
	assert.Len(t, r.sender.call(0).payload.Attachments, 2)
	assert.Equal(t, "album caption", r.sender.call(0).payload.Text)
	assert.Equal(t, "newest", r.sender.call(1).payload.Text)

	audits, err := r.db.Audit.GetByEntity(ctx, "crossposting_link", link.ID)
	require.NoError(t, err)
	actions := make([]string, len(audits))
	for i, audit := range audits {
		actions[i] = audit.Action
	}
	assert.Contains(t, actions, "backfill.start")
	assert.Contains(t, actions, "backfill.completed")
}

func TestBackfill_ResumesFromCheckpoint(t *testing.T) {
	t.Parallel()
	r := newRig(t, relay.ExecutorConfig{})
	ctx := context.Background()
	link := makeLink(t, r.db, -701, 801)

	require.NoError(t, r.db.Checkpoint.Put(ctx, &store.Checkpoint{
		LinkID:        link.ID,
		LastMessageID: 2,
		Processed:     2,
		Succeeded:     2,
		State:         store.BackfillPaused,
	}))
	history := &fakeHistory{events: []*relay.SourceEvent{
		textEvent(-701, 1, "old 1"),
		textEvent(-701, 2, "old 2"),
		textEvent(-701, 3, "new 3"),
		textEvent(-701, 4, "new 4"),
	}}
	engine, _ := newEngine(t, r, history, relay.BackfillConfig{FanOut: 1})

	cp, err := engine.Run(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BackfillCompleted, cp.State)
	assert.EqualValues(t, 4, cp.LastMessageID)
	assert.Equal(t, 4, cp.Processed, "counters continue from the checkpoint")

	require.Equal(t, 2, r.sender.callCount(), "pages before the checkpoint are never refetched")
	assert.Equal(t, "new 3", r.sender.call(0).payload.Text)
	assert.Equal(t, "new 4", r.sender.call(1).payload.Text)
}

func TestBackfill_RerunAfterCompletionStartsOver(t *testing.T) {
	t.Parallel()
	r := newRig(t, relay.ExecutorConfig{})
	ctx := context.Background()
	link := makeLink(t, r.db, -702, 802)

	history := &fakeHistory{events: []*relay.SourceEvent{textEvent(-702, 1, "only post")}}
	engine, _ := newEngine(t, r, history, relay.BackfillConfig{})

	cp, err := engine.Run(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Succeeded)

	cp, err = engine.Run(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BackfillCompleted, cp.State)
	assert.Equal(t, 1, cp.Processed, "a rerun rescans from the start")
	assert.Equal(t, 1, cp.Skipped, "already delivered posts are skipped, not resent")
	assert.Equal(t, 1, r.sender.callCount())
}

func TestBackfill_DisabledMidRunPauses(t *testing.T) {
	t.Parallel()
	r := newRig(t, relay.ExecutorConfig{})
	ctx := context.Background()
	link := makeLink(t, r.db, -703, 803)

	history := &fakeHistory{events: []*relay.SourceEvent{
		textEvent(-703, 1, "one"),
		textEvent(-703, 2, "two"),
		textEvent(-703, 3, "three"),
	}}
	history.onFetch = func(fetch int) {
		if fetch == 1 {
			require.NoError(t, r.db.Link.SetEnabled(ctx, link.ID, false))
		}
	}
	engine, _ := newEngine(t, r, history, relay.BackfillConfig{PageSize: 1})

	cp, err := engine.Run(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BackfillPaused, cp.State)
	assert.Equal(t, 1, cp.Processed, "intake stops at the next page boundary")
	assert.Equal(t, 1, r.sender.callCount())

	enabled, err := r.db.Link.GetByID(ctx, link.ID)
	require.NoError(t, err)
	assert.False(t, enabled.Enabled, "the run never touches the operator-owned flag")
}

func TestBackfill_MaxPostsCap(t *testing.T) {
	t.Parallel()
	r := newRig(t, relay.ExecutorConfig{})
	ctx := context.Background()
	link := makeLink(t, r.db, -704, 804)

	history := &fakeHistory{events: []*relay.SourceEvent{
		textEvent(-704, 1, "one"),
		textEvent(-704, 2, "two"),
		textEvent(-704, 3, "three"),
		textEvent(-704, 4, "four"),
	}}
	engine, _ := newEngine(t, r, history, relay.BackfillConfig{MaxPosts: 2})

	cp, err := engine.Run(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BackfillCompleted, cp.State)
	assert.Equal(t, 2, cp.Processed)
	assert.Equal(t, 2, r.sender.callCount())
}

func TestBackfill_HistoryErrorFails(t *testing.T) {
	t.Parallel()
	r := newRig(t, relay.ExecutorConfig{})
	ctx := context.Background()
	link := makeLink(t, r.db, -705, 805)

	history := &fakeHistory{err: errors.New("source client is down")}
	engine, notifier := newEngine(t, r, history, relay.BackfillConfig{})

	cp, err := engine.Run(ctx, link.ID)
	require.Error(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, store.BackfillFailed, cp.State)
	require.NotEmpty(t, notifier.texts)
	assert.Contains(t, notifier.texts[len(notifier.texts)-1], "failed")
}

func TestBackfill_StartStop(t *testing.T) {
	t.Parallel()
	r := newRig(t, relay.ExecutorConfig{})
	ctx := context.Background()
	link := makeLink(t, r.db, -706, 806)

	history := &fakeHistory{
		events: []*relay.SourceEvent{textEvent(-706, 1, "one")},
		block:  make(chan struct{}),
	}
	engine, _ := newEngine(t, r, history, relay.BackfillConfig{})

	require.NoError(t, engine.Start(link.ID))
	waitFor(t, func() bool { return engine.IsActive(link.ID) }, "run to register")
	assert.Error(t, engine.Start(link.ID), "one run per link")

	assert.True(t, engine.Stop(link.ID))
	waitFor(t, func() bool { return !engine.IsActive(link.ID) }, "run to stop")

	cp, err := r.db.Checkpoint.Get(ctx, link.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, store.BackfillPaused, cp.State)
	assert.False(t, engine.Stop(link.ID), "stopping an idle link reports no run")
}

func TestBackfill_CancelledBeforeStreamingStillCheckpoints(t *testing.T) {
	t.Parallel()
	r := newRig(t, relay.ExecutorConfig{})
	link := makeLink(t, r.db, -708, 808)

	history := &fakeHistory{events: []*relay.SourceEvent{textEvent(-708, 1, "one")}}
	engine, _ := newEngine(t, r, history, relay.BackfillConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cp, err := engine.Run(ctx, link.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, store.BackfillPaused, cp.State)
	assert.Zero(t, r.sender.callCount())

	stored, err := r.db.Checkpoint.Get(context.Background(), link.ID)
	require.NoError(t, err)
	require.NotNil(t, stored, "a stopped run must leave its checkpoint behind")
	assert.Equal(t, store.BackfillPaused, stored.State)
}

func TestBackfill_MissingLink(t *testing.T) {
	t.Parallel()
	r := newRig(t, relay.ExecutorConfig{})
	engine, _ := newEngine(t, r, &fakeHistory{}, relay.BackfillConfig{})
	_, err := engine.Run(context.Background(), 12345)
	assert.Error(t, err)
}

func TestBackfill_FailedDeliveriesAreCounted(t *testing.T) {
	t.Parallel()
	r := newRig(t, relay.ExecutorConfig{MaxAttempts: 1})
	ctx := context.Background()
	link := makeLink(t, r.db, -707, 807)
	r.sender.errs = []error{errors.New("permanent failure")}

	history := &fakeHistory{events: []*relay.SourceEvent{
		textEvent(-707, 1, "fails"),
		textEvent(-707, 2, "succeeds"),
	}}
	engine, _ := newEngine(t, r, history, relay.BackfillConfig{FanOut: 1})

	cp, err := engine.Run(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BackfillCompleted, cp.State)
	assert.Equal(t, 2, cp.Processed)
	assert.Equal(t, 1, cp.Succeeded)
	assert.Equal(t, 1, cp.Failed)
}
