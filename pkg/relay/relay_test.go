// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay_test

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	"github.com/tgmx/crossposter/pkg/maxapi"
	"github.com/tgmx/crossposter/pkg/relay"
	"github.com/tgmx/crossposter/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := dbutil.NewFromConfig("crossposter-test", dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type:         "sqlite3",
			URI:          fmt.Sprintf("file:%s?_txlock=immediate", filepath.Join(t.TempDir(), "test.db")),
			MaxOpenConns: 1,
		},
	}, dbutil.ZeroLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	s := store.New(db, zerolog.Nop())
	require.NoError(t, s.Upgrade(context.Background()))
	return s
}

// makeLink creates a user, both channels and an enabled link between them,
// then reads the link back through the join query so the denormalized chat
// IDs are populated the way delivery sees them.
func makeLink(t *testing.T, s *store.Store, srcChatID, dstChatID int64) *store.Link {
	t.Helper()
	ctx := context.Background()
	user := &store.User{TelegramUserID: 100000 + srcChatID, TelegramUsername: "owner"}
	require.NoError(t, s.User.Insert(ctx, user))
	src := &store.TelegramChannel{UserID: user.ID, ChatID: srcChatID, ChannelTitle: "Source", IsActive: true}
	require.NoError(t, s.TelegramChannel.Insert(ctx, src))
	dst := &store.MaxChannel{UserID: user.ID, ChatID: dstChatID, ChannelTitle: "Dest", IsActive: true}
	require.NoError(t, s.MaxChannel.Insert(ctx, dst))
	require.NoError(t, s.Link.Insert(ctx, &store.Link{
		UserID:            user.ID,
		TelegramChannelID: src.ID,
		MaxChannelID:      dst.ID,
		Enabled:           true,
	}))
	links, err := s.Link.GetEnabledBySourceChat(ctx, srcChatID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	return links[0]
}

func memOpener(content string) relay.MediaOpener {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(content)), nil
	}
}

func textEvent(channelID, messageID int64, text string) *relay.SourceEvent {
	return &relay.SourceEvent{
		MessageID: messageID,
		ChannelID: channelID,
		Text:      text,
		Timestamp: time.Now(),
	}
}

func photoEvent(channelID, messageID int64, groupID, fileName string) *relay.SourceEvent {
	return &relay.SourceEvent{
		MessageID: messageID,
		ChannelID: channelID,
		GroupID:   groupID,
		Timestamp: time.Now(),
		Attachment: &relay.Attachment{
			Kind:     relay.AttachmentPhoto,
			FileName: fileName,
			MimeType: "image/jpeg",
			Open:     memOpener("jpegdata"),
		},
	}
}

type sendCall struct {
	chatID  int64
	payload *maxapi.Payload
	at      time.Time
}

// fakeSender records every send and pops one scripted error per call, then
// succeeds once the queue is empty.
type fakeSender struct {
	mu    sync.Mutex
	calls []sendCall
	errs  []error
}

func (fs *fakeSender) SendMessage(_ context.Context, chatID int64, payload *maxapi.Payload) (*maxapi.SentMessage, error) {
	fs.mu.Lock()
	fs.calls = append(fs.calls, sendCall{chatID: chatID, payload: payload, at: time.Now()})
	n := len(fs.calls)
	var err error
	if len(fs.errs) > 0 {
		err = fs.errs[0]
		fs.errs = fs.errs[1:]
	}
	fs.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &maxapi.SentMessage{MessageID: fmt.Sprintf("mid.%d", n)}, nil
}

func (fs *fakeSender) callCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.calls)
}

func (fs *fakeSender) call(i int) sendCall {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.calls[i]
}

// fakeUploader hands out sequential slots and tokens derived from the file
// name. Errors are scripted per file name and consumed one per attempt.
type fakeUploader struct {
	mu      sync.Mutex
	slots   int
	uploads []string
	errs    map[string][]error
}

func (fu *fakeUploader) RequestUploadSlot(_ context.Context, _ maxapi.AttachmentType) (*maxapi.UploadSlot, error) {
	fu.mu.Lock()
	defer fu.mu.Unlock()
	fu.slots++
	return &maxapi.UploadSlot{URL: fmt.Sprintf("https://upload.invalid/%d", fu.slots)}, nil
}

func (fu *fakeUploader) UploadMedia(_ context.Context, _ *maxapi.UploadSlot, filename, _ string, content io.Reader) (string, error) {
	_, _ = io.Copy(io.Discard, content)
	fu.mu.Lock()
	defer fu.mu.Unlock()
	if queue := fu.errs[filename]; len(queue) > 0 {
		err := queue[0]
		fu.errs[filename] = queue[1:]
		return "", err
	}
	fu.uploads = append(fu.uploads, filename)
	return "token-" + filename, nil
}

func (fu *fakeUploader) failNext(filename string, errs ...error) {
	fu.mu.Lock()
	defer fu.mu.Unlock()
	if fu.errs == nil {
		fu.errs = make(map[string][]error)
	}
	fu.errs[filename] = append(fu.errs[filename], errs...)
}

// fakeHistory serves pages from a fixed ascending event slice. The optional
// hook fires after each page is built, before it is returned.
type fakeHistory struct {
	mu      sync.Mutex
	events  []*relay.SourceEvent
	fetches int
	onFetch func(fetch int)
	err     error
	block   chan struct{}
}

func (fh *fakeHistory) FetchPage(ctx context.Context, _ int64, afterMessageID int64, limit int) ([]*relay.SourceEvent, error) {
	fh.mu.Lock()
	fh.fetches++
	fetch := fh.fetches
	hook := fh.onFetch
	block := fh.block
	err := fh.err
	fh.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	var page []*relay.SourceEvent
	for _, evt := range fh.events {
		if evt.MessageID > afterMessageID {
			page = append(page, evt)
			if len(page) >= limit {
				break
			}
		}
	}
	if hook != nil {
		hook(fetch)
	}
	return page, nil
}

// rig wires a real store, dedup cache, transformer and executor around fake
// network surfaces.
type rig struct {
	db       *store.Store
	sender   *fakeSender
	uploader *fakeUploader
	dedup    *relay.DedupCache
	executor *relay.Executor
	fatalErr chan error
}

func newRig(t *testing.T, cfg relay.ExecutorConfig) *rig {
	t.Helper()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 5 * time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 20 * time.Millisecond
	}
	if cfg.MaxConcurrentSends == 0 {
		cfg.MaxConcurrentSends = 4
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 16
	}
	r := &rig{
		db:       newTestStore(t),
		sender:   &fakeSender{},
		uploader: &fakeUploader{},
		fatalErr: make(chan error, 1),
	}
	r.dedup = relay.NewDedupCache(r.db, 1000, zerolog.Nop())
	transformer := relay.NewTransformer(r.uploader, 2, time.Millisecond, zerolog.Nop())
	fatal := func(err error) {
		select {
		case r.fatalErr <- err:
		default:
		}
	}
	r.executor = relay.NewExecutor(context.Background(), r.db, r.dedup, transformer, r.sender, cfg, fatal, zerolog.Nop())
	t.Cleanup(r.executor.Stop)
	return r
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + what)
}
