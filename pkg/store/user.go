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

type UserQuery struct {
	*dbutil.QueryHelper[*User]
}

// User is an account that owns channels and crossposting links.
type User struct {
	ID               int64
	TelegramUserID   int64
	TelegramUsername string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func newUser(_ *dbutil.QueryHelper[*User]) *User {
	return &User{}
}

const (
	getUserBaseQuery = `
		SELECT id, telegram_user_id, telegram_username, created_at, updated_at FROM "user"
	`
	getUserByIDQuery         = getUserBaseQuery + `WHERE id=$1`
	getUserByTelegramIDQuery = getUserBaseQuery + `WHERE telegram_user_id=$1`
	insertUserQuery          = `
		INSERT INTO "user" (telegram_user_id, telegram_username, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
)

func (uq *UserQuery) Get(ctx context.Context, id int64) (*User, error) {
	return uq.QueryOne(ctx, getUserByIDQuery, id)
}

func (uq *UserQuery) GetByTelegramID(ctx context.Context, telegramUserID int64) (*User, error) {
	return uq.QueryOne(ctx, getUserByTelegramIDQuery, telegramUserID)
}

func (uq *UserQuery) Insert(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	user.UpdatedAt = user.CreatedAt
	return uq.GetDB().
		QueryRow(ctx, insertUserQuery, user.TelegramUserID, user.TelegramUsername, user.CreatedAt.UnixMilli(), user.UpdatedAt.UnixMilli()).
		Scan(&user.ID)
}

func (u *User) Scan(row dbutil.Scannable) (*User, error) {
	var createdAt, updatedAt int64
	err := row.Scan(&u.ID, &u.TelegramUserID, &u.TelegramUsername, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.UnixMilli(createdAt)
	u.UpdatedAt = time.UnixMilli(updatedAt)
	return u, nil
}
