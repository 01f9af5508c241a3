// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"

	"github.com/rs/zerolog"
)

// Notifier delivers operational notices (backfill progress, failures) to
// the user owning a link. Notifications are best effort: errors are logged
// by the caller and never affect delivery.
type Notifier interface {
	Notify(ctx context.Context, telegramUserID int64, text string) error
}

// LogNotifier is the default sink when no bot transport is wired: it writes
// every notice to the log.
type LogNotifier struct {
	Log zerolog.Logger
}

func (ln *LogNotifier) Notify(_ context.Context, telegramUserID int64, text string) error {
	ln.Log.Info().
		Int64("telegram_user_id", telegramUserID).
		Str("text", text).
		Msg("User notification")
	return nil
}
