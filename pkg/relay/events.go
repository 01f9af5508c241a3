// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/tgmx/crossposter/pkg/relay/telegramfmt"
)

// AttachmentKind is the source-side media kind of an attachment.
type AttachmentKind string

const (
	AttachmentPhoto    AttachmentKind = "photo"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentDocument AttachmentKind = "document"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentVoice    AttachmentKind = "voice"
	AttachmentSticker  AttachmentKind = "sticker"
)

// MediaOpener lazily opens the attachment content for upload.
type MediaOpener func(ctx context.Context) (io.ReadCloser, error)

// Attachment describes one media item of a source message.
type Attachment struct {
	Kind     AttachmentKind
	FileName string
	MimeType string
	Size     int64
	Open     MediaOpener
}

// SourceEvent is one normalized message from the ingestion boundary.
// A media group arrives as several events sharing a GroupID.
type SourceEvent struct {
	MessageID  int64
	ChannelID  int64
	GroupID    string
	Text       string
	Entities   []telegramfmt.Entity
	Attachment *Attachment
	Timestamp  time.Time
	Edit       bool
}

func (evt *SourceEvent) empty() bool {
	return evt.Text == "" && evt.Attachment == nil
}

// LogicalPost is the delivery unit: either a single message or a fully
// assembled media group. MessageIDs and Attachments are ordered by source
// message ID.
type LogicalPost struct {
	ChannelID   int64
	MessageIDs  []int64
	Text        string
	Entities    []telegramfmt.Entity
	Attachments []Attachment
	Timestamp   time.Time
}

// Kind classifies the post for the message log.
func (post *LogicalPost) Kind() string {
	switch len(post.Attachments) {
	case 0:
		return "text"
	case 1:
		return string(post.Attachments[0].Kind)
	default:
		return "album"
	}
}

// deliverable reports whether the post has anything the destination can
// accept. Sticker-only posts are not deliverable.
func (post *LogicalPost) deliverable() bool {
	if post.Text != "" {
		return true
	}
	for _, att := range post.Attachments {
		if att.Kind != AttachmentSticker {
			return true
		}
	}
	return false
}

// newPost assembles one logical post from the parts of a media group (or a
// single standalone event). The caption comes from the first part carrying
// text, matching how Telegram attaches album captions.
func newPost(parts []*SourceEvent) *LogicalPost {
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].MessageID < parts[j].MessageID
	})
	post := &LogicalPost{
		ChannelID: parts[0].ChannelID,
		Timestamp: parts[0].Timestamp,
	}
	for _, part := range parts {
		post.MessageIDs = append(post.MessageIDs, part.MessageID)
		if post.Text == "" && part.Text != "" {
			post.Text = part.Text
			post.Entities = part.Entities
		}
		if part.Attachment != nil {
			post.Attachments = append(post.Attachments, *part.Attachment)
		}
	}
	return post
}

// GroupEvents turns a chronological slice of events into logical posts,
// assembling media groups and keeping everything ordered by source message
// ID. Backfill uses this per history page; the live path assembles groups
// with the aggregator instead.
func GroupEvents(events []*SourceEvent) []*LogicalPost {
	sorted := make([]*SourceEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MessageID < sorted[j].MessageID
	})

	var posts []*LogicalPost
	groups := make(map[string]int)
	for _, evt := range sorted {
		if evt.empty() {
			continue
		}
		if evt.GroupID == "" {
			posts = append(posts, newPost([]*SourceEvent{evt}))
			continue
		}
		if idx, ok := groups[evt.GroupID]; ok {
			appendPart(posts[idx], evt)
		} else {
			groups[evt.GroupID] = len(posts)
			posts = append(posts, newPost([]*SourceEvent{evt}))
		}
	}
	return posts
}

func appendPart(post *LogicalPost, evt *SourceEvent) {
	post.MessageIDs = append(post.MessageIDs, evt.MessageID)
	if post.Text == "" && evt.Text != "" {
		post.Text = evt.Text
		post.Entities = evt.Entities
	}
	if evt.Attachment != nil {
		post.Attachments = append(post.Attachments, *evt.Attachment)
	}
}
