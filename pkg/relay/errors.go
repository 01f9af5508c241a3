// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

// ValidationError rejects a post before any network call is made. It is
// never retried and never produces a failed message queue entry.
type ValidationError struct {
	Reason string
}

func (ve *ValidationError) Error() string {
	return "validation failed: " + ve.Reason
}

// ErrNothingToSend is returned when a post has neither text nor any
// attachment the destination supports.
var ErrNothingToSend = &ValidationError{Reason: "post has no deliverable content"}
