// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgmx/crossposter/pkg/relay"
)

type apiRig struct {
	*rig
	engine  *relay.BackfillEngine
	history *fakeHistory
	server  *httptest.Server
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	r := newRig(t, relay.ExecutorConfig{})
	history := &fakeHistory{block: make(chan struct{})}
	engine, _ := newEngine(t, r, history, relay.BackfillConfig{})
	registry := relay.NewRegistry(r.db, nil, time.Minute, zerolog.Nop())
	pipeline := relay.NewPipeline(t.Context(), registry, r.dedup, r.executor, engine, relay.PipelineConfig{
		MediaGroupWindow:   30 * time.Millisecond,
		MediaGroupMaxWait:  200 * time.Millisecond,
		MediaGroupMaxParts: 10,
	}, zerolog.Nop())
	t.Cleanup(pipeline.Close)
	server := httptest.NewServer(relay.NewAPI(pipeline, engine, registry, zerolog.Nop()).Routes())
	t.Cleanup(server.Close)
	return &apiRig{rig: r, engine: engine, history: history, server: server}
}

func (ar *apiRig) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ar.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	return resp
}

func (ar *apiRig) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, ar.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	return resp
}

func TestAPI_PostEvent(t *testing.T) {
	t.Parallel()
	ar := newAPIRig(t)
	makeLink(t, ar.db, -1200, 1300)

	resp := ar.post(t, "/events", `{"message_id": 1, "channel_id": -1200, "text": "via api"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitFor(t, func() bool { return ar.sender.callCount() == 1 }, "event to deliver")
	assert.Equal(t, "via api", ar.sender.call(0).payload.Text)
}

func TestAPI_PostEventWithMedia(t *testing.T) {
	t.Parallel()
	ar := newAPIRig(t)
	makeLink(t, ar.db, -1201, 1301)

	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jpegdata"))
	}))
	t.Cleanup(media.Close)

	body := fmt.Sprintf(`{
		"message_id": 2,
		"channel_id": -1201,
		"attachment": {"kind": "photo", "file_name": "pic.jpg", "mime_type": "image/jpeg", "url": %q}
	}`, media.URL+"/media/pic.jpg")
	resp := ar.post(t, "/events", body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitFor(t, func() bool { return ar.sender.callCount() == 1 }, "media event to deliver")
	payload := ar.sender.call(0).payload
	require.Len(t, payload.Attachments, 1)
	assert.Equal(t, "token-pic.jpg", payload.Attachments[0].Payload.Token)
}

func TestAPI_PostEventValidation(t *testing.T) {
	t.Parallel()
	ar := newAPIRig(t)

	resp := ar.post(t, "/events", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ar.post(t, "/events", `{"text": "missing ids"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_BackfillLifecycle(t *testing.T) {
	t.Parallel()
	ar := newAPIRig(t)
	link := makeLink(t, ar.db, -1202, 1302)
	path := fmt.Sprintf("/links/%d/backfill", link.ID)

	resp := ar.post(t, path, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitFor(t, func() bool { return ar.engine.IsActive(link.ID) }, "backfill to start")

	resp = ar.post(t, path, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "a second start for the same link is rejected")

	resp = ar.delete(t, path)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitFor(t, func() bool { return !ar.engine.IsActive(link.ID) }, "backfill to stop")

	resp = ar.delete(t, path)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_BackfillInvalidID(t *testing.T) {
	t.Parallel()
	ar := newAPIRig(t)
	resp := ar.post(t, "/links/abc/backfill", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_InvalidateChannel(t *testing.T) {
	t.Parallel()
	ar := newAPIRig(t)
	resp := ar.post(t, "/channels/-1203/invalidate", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
