// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"
	"time"

	"go.mau.fi/util/dbutil"
)

type FailedMessageQuery struct {
	*dbutil.QueryHelper[*FailedMessage]
}

// FailedMessage is the retry queue entry for a message whose delivery was
// exhausted. Resolution is done by an operator, the relay only appends.
type FailedMessage struct {
	ID                int64
	LinkID            int64
	TelegramMessageID int64
	ErrorMessage      string
	RetryCount        int
	LastRetryAt       time.Time
	CreatedAt         time.Time
	ResolvedAt        time.Time
}

func newFailedMessage(_ *dbutil.QueryHelper[*FailedMessage]) *FailedMessage {
	return &FailedMessage{}
}

const (
	getFailedMessageBaseQuery = `
		SELECT id, link_id, telegram_message_id, error_message, retry_count,
		       last_retry_at, created_at, resolved_at
		FROM failed_message
	`
	getFailedMessagesByLinkQuery = getFailedMessageBaseQuery + `WHERE link_id=$1 AND resolved_at IS NULL ORDER BY id`
	upsertFailedMessageQuery     = `
		INSERT INTO failed_message (link_id, telegram_message_id, error_message, last_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (link_id, telegram_message_id) DO UPDATE
			SET error_message=excluded.error_message,
			    retry_count=failed_message.retry_count + 1,
			    last_retry_at=excluded.last_retry_at,
			    resolved_at=NULL
	`
)

func (fmq *FailedMessageQuery) GetUnresolvedByLink(ctx context.Context, linkID int64) ([]*FailedMessage, error) {
	return fmq.QueryMany(ctx, getFailedMessagesByLinkQuery, linkID)
}

// Record inserts a failed message entry, or bumps the retry counter when the
// same (link, source message) already failed before.
func (fmq *FailedMessageQuery) Record(ctx context.Context, linkID, telegramMessageID int64, errorMessage string) error {
	return fmq.Exec(ctx, upsertFailedMessageQuery, linkID, telegramMessageID, errorMessage, time.Now().UnixMilli())
}

func (fm *FailedMessage) Scan(row dbutil.Scannable) (*FailedMessage, error) {
	var lastRetryAt, resolvedAt sql.NullInt64
	var createdAt int64
	err := row.Scan(
		&fm.ID, &fm.LinkID, &fm.TelegramMessageID, &fm.ErrorMessage, &fm.RetryCount,
		&lastRetryAt, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	fm.LastRetryAt = timeFromMilli(lastRetryAt)
	fm.CreatedAt = time.UnixMilli(createdAt)
	fm.ResolvedAt = timeFromMilli(resolvedAt)
	return fm, nil
}
