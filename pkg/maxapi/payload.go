// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package maxapi

// AttachmentType is the media kind accepted by the upload endpoint.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentVideo AttachmentType = "video"
	AttachmentAudio AttachmentType = "audio"
	AttachmentFile  AttachmentType = "file"
)

// Payload is the body of POST /messages. The chat is addressed through the
// chat_id query parameter, not the body.
type Payload struct {
	Text        string       `json:"text"`
	Format      string       `json:"format,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment references an uploaded file by its token.
type Attachment struct {
	Type    AttachmentType    `json:"type"`
	Payload AttachmentPayload `json:"payload"`
}

type AttachmentPayload struct {
	Token string `json:"token"`
}

// SentMessage is the part of the send response the relay records.
type SentMessage struct {
	MessageID string
}

// UploadSlot is the response of POST /uploads: a URL to stream the binary to
// and, for some media kinds, a ready-made token.
type UploadSlot struct {
	URL   string `json:"url"`
	Token string `json:"token"`

	// PhotoIDs are extracted from the slot URL query; image uploads return
	// their tokens keyed by these IDs.
	PhotoIDs []string `json:"-"`
}

// BotInfo is the response of GET /me.
type BotInfo struct {
	UserID   int64  `json:"user_id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Chat is the response of GET /chats/{id}.
type Chat struct {
	ChatID int64  `json:"chat_id"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Title  string `json:"title"`
}
