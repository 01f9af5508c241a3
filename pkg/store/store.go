// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store implements the relay's persistence layer on top of dbutil.
package store

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/tgmx/crossposter/pkg/store/upgrades"
)

// VersionTableName is the table dbutil tracks the schema version in.
const VersionTableName = "crossposter_version"

// Store bundles the query helpers for all crossposter tables.
type Store struct {
	*dbutil.Database

	User            *UserQuery
	TelegramChannel *TelegramChannelQuery
	MaxChannel      *MaxChannelQuery
	Link            *LinkQuery
	MessageLog      *MessageLogQuery
	Failed          *FailedMessageQuery
	Audit           *AuditLogQuery
	Checkpoint      *CheckpointQuery
}

// New wraps a raw database handle with the crossposter schema and accessors.
// Call Upgrade before using any of the queries.
func New(rawDB *dbutil.Database, log zerolog.Logger) *Store {
	db := rawDB.Child(VersionTableName, upgrades.Table, dbutil.ZeroLogger(log))
	return &Store{
		Database:        db,
		User:            &UserQuery{dbutil.MakeQueryHelper(db, newUser)},
		TelegramChannel: &TelegramChannelQuery{dbutil.MakeQueryHelper(db, newTelegramChannel)},
		MaxChannel:      &MaxChannelQuery{dbutil.MakeQueryHelper(db, newMaxChannel)},
		Link:            &LinkQuery{dbutil.MakeQueryHelper(db, newLink)},
		MessageLog:      &MessageLogQuery{dbutil.MakeQueryHelper(db, newMessageLog)},
		Failed:          &FailedMessageQuery{dbutil.MakeQueryHelper(db, newFailedMessage)},
		Audit:           &AuditLogQuery{dbutil.MakeQueryHelper(db, newAuditLog)},
		Checkpoint:      &CheckpointQuery{dbutil.MakeQueryHelper(db, newCheckpoint)},
	}
}

func unixMilliOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMilli(val sql.NullInt64) time.Time {
	if !val.Valid {
		return time.Time{}
	}
	return time.UnixMilli(val.Int64)
}
