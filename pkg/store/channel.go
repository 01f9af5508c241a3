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

type TelegramChannelQuery struct {
	*dbutil.QueryHelper[*TelegramChannel]
}

type MaxChannelQuery struct {
	*dbutil.QueryHelper[*MaxChannel]
}

// TelegramChannel is a source channel messages are relayed from.
type TelegramChannel struct {
	ID              int64
	UserID          int64
	ChatID          int64
	ChannelUsername string
	ChannelTitle    string
	IsActive        bool
	AddedAt         time.Time
}

// MaxChannel is a destination channel messages are relayed to.
type MaxChannel struct {
	ID              int64
	UserID          int64
	ChatID          int64
	ChannelUsername string
	ChannelTitle    string
	IsActive        bool
	AddedAt         time.Time
}

func newTelegramChannel(_ *dbutil.QueryHelper[*TelegramChannel]) *TelegramChannel {
	return &TelegramChannel{}
}

func newMaxChannel(_ *dbutil.QueryHelper[*MaxChannel]) *MaxChannel {
	return &MaxChannel{}
}

const (
	channelColumns = `id, user_id, chat_id, channel_username, channel_title, is_active, added_at`

	getTelegramChannelByChatIDQuery = `SELECT ` + channelColumns + ` FROM telegram_channel WHERE chat_id=$1`
	insertTelegramChannelQuery      = `
		INSERT INTO telegram_channel (user_id, chat_id, channel_username, channel_title, is_active, added_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	getMaxChannelByIDQuery = `SELECT ` + channelColumns + ` FROM max_channel WHERE id=$1`
	insertMaxChannelQuery  = `
		INSERT INTO max_channel (user_id, chat_id, channel_username, channel_title, is_active, added_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
)

func (tcq *TelegramChannelQuery) GetByChatID(ctx context.Context, chatID int64) (*TelegramChannel, error) {
	return tcq.QueryOne(ctx, getTelegramChannelByChatIDQuery, chatID)
}

func (tcq *TelegramChannelQuery) Insert(ctx context.Context, ch *TelegramChannel) error {
	if ch.AddedAt.IsZero() {
		ch.AddedAt = time.Now()
	}
	return tcq.GetDB().
		QueryRow(ctx, insertTelegramChannelQuery, ch.UserID, ch.ChatID, ch.ChannelUsername, ch.ChannelTitle, ch.IsActive, ch.AddedAt.UnixMilli()).
		Scan(&ch.ID)
}

func (tc *TelegramChannel) Scan(row dbutil.Scannable) (*TelegramChannel, error) {
	var addedAt int64
	err := row.Scan(&tc.ID, &tc.UserID, &tc.ChatID, &tc.ChannelUsername, &tc.ChannelTitle, &tc.IsActive, &addedAt)
	if err != nil {
		return nil, err
	}
	tc.AddedAt = time.UnixMilli(addedAt)
	return tc, nil
}

func (mcq *MaxChannelQuery) Get(ctx context.Context, id int64) (*MaxChannel, error) {
	return mcq.QueryOne(ctx, getMaxChannelByIDQuery, id)
}

func (mcq *MaxChannelQuery) Insert(ctx context.Context, ch *MaxChannel) error {
	if ch.AddedAt.IsZero() {
		ch.AddedAt = time.Now()
	}
	return mcq.GetDB().
		QueryRow(ctx, insertMaxChannelQuery, ch.UserID, ch.ChatID, ch.ChannelUsername, ch.ChannelTitle, ch.IsActive, ch.AddedAt.UnixMilli()).
		Scan(&ch.ID)
}

func (mc *MaxChannel) Scan(row dbutil.Scannable) (*MaxChannel, error) {
	var addedAt int64
	err := row.Scan(&mc.ID, &mc.UserID, &mc.ChatID, &mc.ChannelUsername, &mc.ChannelTitle, &mc.IsActive, &addedAt)
	if err != nil {
		return nil, err
	}
	mc.AddedAt = time.UnixMilli(addedAt)
	return mc, nil
}
