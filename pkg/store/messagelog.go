// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.mau.fi/util/dbutil"
)

// LogStatus is the lifecycle state of a message_log row.
type LogStatus string

const (
	LogPending LogStatus = "pending"
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
)

type MessageLogQuery struct {
	*dbutil.QueryHelper[*MessageLog]
}

// MessageLog records one delivery attempt outcome per (link, source message).
// The unique constraint on that pair is what makes redelivery idempotent.
type MessageLog struct {
	ID                int64
	LinkID            int64
	TelegramMessageID int64
	MaxMessageID      string
	Status            LogStatus
	MessageType       string
	ErrorMessage      string
	ProcessingTime    time.Duration
	CreatedAt         time.Time
	SentAt            time.Time
}

func newMessageLog(_ *dbutil.QueryHelper[*MessageLog]) *MessageLog {
	return &MessageLog{}
}

const (
	getMessageLogBaseQuery = `
		SELECT id, link_id, telegram_message_id, max_message_id, status, message_type,
		       error_message, processing_time_ms, created_at, sent_at
		FROM message_log
	`
	getMessageLogQuery    = getMessageLogBaseQuery + `WHERE link_id=$1 AND telegram_message_id=$2`
	insertPendingLogQuery = `
		INSERT INTO message_log (link_id, telegram_message_id, status, message_type, created_at)
		VALUES ($1, $2, 'pending', $3, $4)
		ON CONFLICT (link_id, telegram_message_id) DO NOTHING
		RETURNING id
	`
	markLogSuccessQuery = `
		UPDATE message_log SET status='success', max_message_id=$2, processing_time_ms=$3, sent_at=$4
		WHERE id=$1
	`
	markLogFailedQuery = `
		UPDATE message_log SET status='failed', error_message=$2, processing_time_ms=$3
		WHERE id=$1
	`
	getSentIDsQuery       = `SELECT telegram_message_id FROM message_log WHERE link_id=$1 AND status='success'`
	getRecentSentIDsQuery = getSentIDsQuery + ` ORDER BY telegram_message_id DESC LIMIT $2`
)

func (mlq *MessageLogQuery) Get(ctx context.Context, linkID, telegramMessageID int64) (*MessageLog, error) {
	return mlq.QueryOne(ctx, getMessageLogQuery, linkID, telegramMessageID)
}

// InsertPending creates the pending row for a delivery attempt. It returns
// nil without an error when a row for the same (link, source message) already
// exists, which means the message must not be delivered again.
func (mlq *MessageLogQuery) InsertPending(ctx context.Context, linkID, telegramMessageID int64, messageType string) (*MessageLog, error) {
	entry := &MessageLog{
		LinkID:            linkID,
		TelegramMessageID: telegramMessageID,
		Status:            LogPending,
		MessageType:       messageType,
		CreatedAt:         time.Now(),
	}
	err := mlq.GetDB().
		QueryRow(ctx, insertPendingLogQuery, linkID, telegramMessageID, messageType, entry.CreatedAt.UnixMilli()).
		Scan(&entry.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return entry, nil
}

func (mlq *MessageLogQuery) MarkSuccess(ctx context.Context, id int64, maxMessageID string, took time.Duration) error {
	return mlq.Exec(ctx, markLogSuccessQuery, id, maxMessageID, took.Milliseconds(), time.Now().UnixMilli())
}

func (mlq *MessageLogQuery) MarkFailed(ctx context.Context, id int64, errorMessage string, took time.Duration) error {
	return mlq.Exec(ctx, markLogFailedQuery, id, errorMessage, took.Milliseconds())
}

// GetSentTelegramIDs returns the source message IDs already delivered over
// the link in one query. A positive limit caps the result to the most recent
// IDs, zero means no cap.
func (mlq *MessageLogQuery) GetSentTelegramIDs(ctx context.Context, linkID int64, limit int) ([]int64, error) {
	var rows dbutil.Rows
	var err error
	if limit > 0 {
		rows, err = mlq.GetDB().Query(ctx, getRecentSentIDsQuery, linkID, limit)
	} else {
		rows, err = mlq.GetDB().Query(ctx, getSentIDsQuery, linkID)
	}
	return dbutil.ConvertRowFn[int64](dbutil.ScanSingleColumn[int64]).NewRowIter(rows, err).AsList()
}

func (ml *MessageLog) Scan(row dbutil.Scannable) (*MessageLog, error) {
	var processingMS, createdAt int64
	var sentAt sql.NullInt64
	err := row.Scan(
		&ml.ID, &ml.LinkID, &ml.TelegramMessageID, &ml.MaxMessageID, &ml.Status,
		&ml.MessageType, &ml.ErrorMessage, &processingMS, &createdAt, &sentAt)
	if err != nil {
		return nil, err
	}
	ml.ProcessingTime = time.Duration(processingMS) * time.Millisecond
	ml.CreatedAt = time.UnixMilli(createdAt)
	ml.SentAt = timeFromMilli(sentAt)
	return ml, nil
}
