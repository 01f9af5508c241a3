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
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgmx/crossposter/pkg/relay/telegramfmt"
)

// API is the local HTTP surface the source-platform client and the bot
// front end talk to: it ingests normalized events and controls backfill
// runs. It is meant to listen on localhost only.
type API struct {
	pipeline *Pipeline
	backfill *BackfillEngine
	registry *Registry
	fetch    *http.Client
	log      zerolog.Logger
}

func NewAPI(pipeline *Pipeline, backfill *BackfillEngine, registry *Registry, log zerolog.Logger) *API {
	return &API{
		pipeline: pipeline,
		backfill: backfill,
		registry: registry,
		fetch:    &http.Client{Timeout: 60 * time.Second},
		log:      log.With().Str("component", "httpapi").Logger(),
	}
}

func (api *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", api.postEvent)
	mux.HandleFunc("POST /links/{id}/backfill", api.startBackfill)
	mux.HandleFunc("DELETE /links/{id}/backfill", api.stopBackfill)
	mux.HandleFunc("POST /channels/{chatID}/invalidate", api.invalidateChannel)
	return mux
}

type wireAttachment struct {
	Kind     AttachmentKind `json:"kind"`
	FileName string         `json:"file_name"`
	MimeType string         `json:"mime_type"`
	Size     int64          `json:"size"`
	// URL is where the binary can be fetched from, typically the source
	// client's local media server.
	URL string `json:"url"`
}

type wireEvent struct {
	MessageID  int64                `json:"message_id"`
	ChannelID  int64                `json:"channel_id"`
	GroupID    string               `json:"group_id,omitempty"`
	Text       string               `json:"text,omitempty"`
	Entities   []telegramfmt.Entity `json:"entities,omitempty"`
	Attachment *wireAttachment      `json:"attachment,omitempty"`
	Timestamp  int64                `json:"timestamp,omitempty"`
	Edit       bool                 `json:"edit,omitempty"`
}

func (api *API) postEvent(w http.ResponseWriter, r *http.Request) {
	var wire wireEvent
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		jsonError(w, http.StatusBadRequest, fmt.Sprintf("invalid event: %v", err))
		return
	}
	if wire.MessageID == 0 || wire.ChannelID == 0 {
		jsonError(w, http.StatusBadRequest, "message_id and channel_id are required")
		return
	}
	api.pipeline.HandleEvent(wire.toEvent(api.fetch))
	w.WriteHeader(http.StatusAccepted)
}

func (wire *wireEvent) toEvent(fetch *http.Client) *SourceEvent {
	evt := &SourceEvent{
		MessageID: wire.MessageID,
		ChannelID: wire.ChannelID,
		GroupID:   wire.GroupID,
		Text:      wire.Text,
		Entities:  wire.Entities,
		Timestamp: time.UnixMilli(wire.Timestamp),
		Edit:      wire.Edit,
	}
	if wire.Attachment != nil {
		evt.Attachment = &Attachment{
			Kind:     wire.Attachment.Kind,
			FileName: wire.Attachment.FileName,
			MimeType: wire.Attachment.MimeType,
			Size:     wire.Attachment.Size,
			Open:     urlOpener(fetch, wire.Attachment.URL),
		}
	}
	return evt
}

func urlOpener(fetch *http.Client, mediaURL string) MediaOpener {
	if mediaURL == "" {
		return nil
	}
	return func(ctx context.Context) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := fetch.Do(req)
		if err != nil {
			return nil, fmt.Errorf("media fetch failed: %w", err)
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, fmt.Errorf("media fetch failed: HTTP %d", resp.StatusCode)
		}
		return resp.Body, nil
	}
}

func (api *API) startBackfill(w http.ResponseWriter, r *http.Request) {
	linkID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid link id")
		return
	}
	if err = api.backfill.Start(linkID); err != nil {
		jsonError(w, http.StatusConflict, err.Error())
		return
	}
	api.log.Info().Int64("link_id", linkID).Msg("Backfill started via API")
	w.WriteHeader(http.StatusAccepted)
}

func (api *API) stopBackfill(w http.ResponseWriter, r *http.Request) {
	linkID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid link id")
		return
	}
	if !api.backfill.Stop(linkID) {
		jsonError(w, http.StatusNotFound, "no active backfill for link")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (api *API) invalidateChannel(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.PathValue("chatID"), 10, 64)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid chat id")
		return
	}
	api.registry.Invalidate(r.Context(), chatID)
	w.WriteHeader(http.StatusNoContent)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
