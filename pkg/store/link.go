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

type LinkQuery struct {
	*dbutil.QueryHelper[*Link]
}

// Link connects one Telegram source channel to one MAX destination channel.
// SourceChatID and DestChatID are denormalized from the channel tables so a
// resolved link carries everything delivery needs.
type Link struct {
	ID                 int64     `json:"id"`
	UserID             int64     `json:"user_id"`
	TelegramChannelID  int64     `json:"telegram_channel_id"`
	MaxChannelID       int64     `json:"max_channel_id"`
	Enabled            bool      `json:"enabled"`
	SubscriptionStatus string    `json:"subscription_status"`
	TrialEndsAt        time.Time `json:"trial_ends_at"`
	SubscriptionEndsAt time.Time `json:"subscription_ends_at"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`

	SourceChatID int64 `json:"source_chat_id"`
	DestChatID   int64 `json:"dest_chat_id"`
}

func newLink(_ *dbutil.QueryHelper[*Link]) *Link {
	return &Link{}
}

const (
	getLinkBaseQuery = `
		SELECT l.id, l.user_id, l.telegram_channel_id, l.max_channel_id, l.is_enabled,
		       l.subscription_status, l.trial_ends_at, l.subscription_ends_at,
		       l.created_at, l.updated_at, tc.chat_id, mc.chat_id
		FROM crossposting_link l
		JOIN telegram_channel tc ON tc.id = l.telegram_channel_id
		JOIN max_channel mc ON mc.id = l.max_channel_id
	`
	getLinkByIDQuery              = getLinkBaseQuery + `WHERE l.id=$1`
	getEnabledLinksBySourceQuery  = getLinkBaseQuery + `WHERE tc.chat_id=$1 AND l.is_enabled=true ORDER BY l.id`
	getAllLinksBySourceQuery      = getLinkBaseQuery + `WHERE tc.chat_id=$1 ORDER BY l.id`
	setLinkEnabledQuery           = `UPDATE crossposting_link SET is_enabled=$2, updated_at=$3 WHERE id=$1`
	insertLinkQuery               = `
		INSERT INTO crossposting_link (
			user_id, telegram_channel_id, max_channel_id, is_enabled,
			subscription_status, trial_ends_at, subscription_ends_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
)

func (lq *LinkQuery) GetByID(ctx context.Context, id int64) (*Link, error) {
	return lq.QueryOne(ctx, getLinkByIDQuery, id)
}

// GetEnabledBySourceChat returns all enabled links whose source channel has
// the given Telegram chat ID.
func (lq *LinkQuery) GetEnabledBySourceChat(ctx context.Context, chatID int64) ([]*Link, error) {
	return lq.QueryMany(ctx, getEnabledLinksBySourceQuery, chatID)
}

// GetAllBySourceChat returns all links for the source chat regardless of the
// enabled flag.
func (lq *LinkQuery) GetAllBySourceChat(ctx context.Context, chatID int64) ([]*Link, error) {
	return lq.QueryMany(ctx, getAllLinksBySourceQuery, chatID)
}

func (lq *LinkQuery) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return lq.Exec(ctx, setLinkEnabledQuery, id, enabled, time.Now().UnixMilli())
}

func (lq *LinkQuery) Insert(ctx context.Context, link *Link) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now()
	}
	link.UpdatedAt = link.CreatedAt
	if link.SubscriptionStatus == "" {
		link.SubscriptionStatus = "trial"
	}
	return lq.GetDB().
		QueryRow(ctx, insertLinkQuery,
			link.UserID, link.TelegramChannelID, link.MaxChannelID, link.Enabled,
			link.SubscriptionStatus, unixMilliOrNil(link.TrialEndsAt), unixMilliOrNil(link.SubscriptionEndsAt),
			link.CreatedAt.UnixMilli(), link.UpdatedAt.UnixMilli()).
		Scan(&link.ID)
}

func (l *Link) Scan(row dbutil.Scannable) (*Link, error) {
	var trialEndsAt, subscriptionEndsAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(
		&l.ID, &l.UserID, &l.TelegramChannelID, &l.MaxChannelID, &l.Enabled,
		&l.SubscriptionStatus, &trialEndsAt, &subscriptionEndsAt,
		&createdAt, &updatedAt, &l.SourceChatID, &l.DestChatID)
	if err != nil {
		return nil, err
	}
	l.TrialEndsAt = timeFromMilli(trialEndsAt)
	l.SubscriptionEndsAt = timeFromMilli(subscriptionEndsAt)
	l.CreatedAt = time.UnixMilli(createdAt)
	l.UpdatedAt = time.UnixMilli(updatedAt)
	return l, nil
}
