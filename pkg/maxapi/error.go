// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package maxapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// CodeAttachmentNotReady is returned when a send references an upload the
// server has not finished processing yet. Retrying after a delay succeeds.
const CodeAttachmentNotReady = "attachment.not.ready"

// Error is an error response from the MAX API. StatusCode is zero for
// transport-level failures.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("max api: %s (HTTP %d, %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("max api: %s (HTTP %d)", e.Message, e.StatusCode)
}

// Temporary reports whether retrying the same request can succeed.
func (e *Error) Temporary() bool {
	if e.Code == CodeAttachmentNotReady {
		return true
	}
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// IsTemporary classifies any error from the client: API errors by status
// code, everything else by whether it looks like a network-level failure.
func IsTemporary(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// RetryAfter returns the server-provided retry hint, or zero when the error
// carries none.
func RetryAfter(err error) time.Duration {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
