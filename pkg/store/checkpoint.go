// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"
)

// BackfillState is the lifecycle state of a backfill run.
type BackfillState string

const (
	BackfillInitializing BackfillState = "initializing"
	BackfillStreaming    BackfillState = "streaming"
	BackfillCompleted    BackfillState = "completed"
	BackfillPaused       BackfillState = "paused"
	BackfillFailed       BackfillState = "failed"
)

type CheckpointQuery struct {
	*dbutil.QueryHelper[*Checkpoint]
}

// Checkpoint is the durable progress of a backfill run over one link.
// LastMessageID is the highest source message ID fully handled, so a resumed
// run continues strictly after it.
type Checkpoint struct {
	LinkID        int64
	LastMessageID int64
	Processed     int
	Succeeded     int
	Skipped       int
	Failed        int
	State         BackfillState
	UpdatedAt     time.Time
}

func newCheckpoint(_ *dbutil.QueryHelper[*Checkpoint]) *Checkpoint {
	return &Checkpoint{}
}

const (
	getCheckpointQuery = `
		SELECT link_id, last_message_id, processed, succeeded, skipped, failed, state, updated_at
		FROM backfill_checkpoint WHERE link_id=$1
	`
	upsertCheckpointQuery = `
		INSERT INTO backfill_checkpoint (link_id, last_message_id, processed, succeeded, skipped, failed, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (link_id) DO UPDATE
			SET last_message_id=excluded.last_message_id,
			    processed=excluded.processed,
			    succeeded=excluded.succeeded,
			    skipped=excluded.skipped,
			    failed=excluded.failed,
			    state=excluded.state,
			    updated_at=excluded.updated_at
	`
	deleteCheckpointQuery = `DELETE FROM backfill_checkpoint WHERE link_id=$1`
)

func (cq *CheckpointQuery) Get(ctx context.Context, linkID int64) (*Checkpoint, error) {
	return cq.QueryOne(ctx, getCheckpointQuery, linkID)
}

func (cq *CheckpointQuery) Put(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now()
	return cq.Exec(ctx, upsertCheckpointQuery,
		cp.LinkID, cp.LastMessageID, cp.Processed, cp.Succeeded, cp.Skipped, cp.Failed,
		string(cp.State), cp.UpdatedAt.UnixMilli())
}

func (cq *CheckpointQuery) Delete(ctx context.Context, linkID int64) error {
	return cq.Exec(ctx, deleteCheckpointQuery, linkID)
}

func (cp *Checkpoint) Scan(row dbutil.Scannable) (*Checkpoint, error) {
	var updatedAt int64
	err := row.Scan(&cp.LinkID, &cp.LastMessageID, &cp.Processed, &cp.Succeeded, &cp.Skipped, &cp.Failed, &cp.State, &updatedAt)
	if err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.UnixMilli(updatedAt)
	return cp, nil
}
