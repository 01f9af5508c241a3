// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"encoding/json"
	"time"

	"go.mau.fi/util/dbutil"
)

type AuditLogQuery struct {
	*dbutil.QueryHelper[*AuditLog]
}

// AuditLog is an append-only record of a state-changing action.
type AuditLog struct {
	ID         int64
	UserID     int64
	Action     string
	EntityType string
	EntityID   int64
	Details    map[string]any
	CreatedAt  time.Time
}

func newAuditLog(_ *dbutil.QueryHelper[*AuditLog]) *AuditLog {
	return &AuditLog{}
}

const (
	getAuditLogsByEntityQuery = `
		SELECT id, user_id, action, entity_type, entity_id, details, created_at
		FROM audit_log WHERE entity_type=$1 AND entity_id=$2 ORDER BY id
	`
	insertAuditLogQuery = `
		INSERT INTO audit_log (user_id, action, entity_type, entity_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
)

func (alq *AuditLogQuery) GetByEntity(ctx context.Context, entityType string, entityID int64) ([]*AuditLog, error) {
	return alq.QueryMany(ctx, getAuditLogsByEntityQuery, entityType, entityID)
}

func (alq *AuditLogQuery) Insert(ctx context.Context, entry *AuditLog) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return alq.Exec(ctx, insertAuditLogQuery,
		entry.UserID, entry.Action, entry.EntityType, entry.EntityID,
		string(detailsJSON), entry.CreatedAt.UnixMilli())
}

func (al *AuditLog) Scan(row dbutil.Scannable) (*AuditLog, error) {
	var details string
	var createdAt int64
	err := row.Scan(&al.ID, &al.UserID, &al.Action, &al.EntityType, &al.EntityID, &details, &createdAt)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(details), &al.Details); err != nil {
		return nil, err
	}
	al.CreatedAt = time.UnixMilli(createdAt)
	return al, nil
}
