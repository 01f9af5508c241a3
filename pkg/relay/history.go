// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// HTTPHistorySource fetches channel history pages from the source-platform
// client's local HTTP endpoint. Pages use the same wire format as live
// event ingestion, ordered by ascending message ID.
type HTTPHistorySource struct {
	base   *url.URL
	client *http.Client
	fetch  *http.Client
	log    zerolog.Logger
}

func NewHTTPHistorySource(baseURL string, log zerolog.Logger) (*HTTPHistorySource, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid history source URL: %w", err)
	}
	return &HTTPHistorySource{
		base:   base,
		client: &http.Client{Timeout: 2 * time.Minute},
		fetch:  &http.Client{Timeout: 60 * time.Second},
		log:    log.With().Str("component", "history").Logger(),
	}, nil
}

func (hs *HTTPHistorySource) FetchPage(ctx context.Context, chatID, afterMessageID int64, limit int) ([]*SourceEvent, error) {
	pageURL := hs.base.JoinPath("history")
	pageURL.RawQuery = url.Values{
		"chat_id":  {strconv.FormatInt(chatID, 10)},
		"after_id": {strconv.FormatInt(afterMessageID, 10)},
		"limit":    {strconv.Itoa(limit)},
	}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := hs.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("history request failed: HTTP %d: %s", resp.StatusCode, body)
	}
	var page []*wireEvent
	if err = json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to parse history page: %w", err)
	}
	events := make([]*SourceEvent, len(page))
	for i, wire := range page {
		events[i] = wire.toEvent(hs.fetch)
	}
	hs.log.Debug().
		Int64("chat_id", chatID).
		Int64("after_id", afterMessageID).
		Int("events", len(events)).
		Msg("Fetched history page")
	return events, nil
}
