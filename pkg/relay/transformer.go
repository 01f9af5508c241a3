// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgmx/crossposter/pkg/maxapi"
	"github.com/tgmx/crossposter/pkg/relay/telegramfmt"
)

// Uploader is the slice of the MAX client the transformer needs.
type Uploader interface {
	RequestUploadSlot(ctx context.Context, attachType maxapi.AttachmentType) (*maxapi.UploadSlot, error)
	UploadMedia(ctx context.Context, slot *maxapi.UploadSlot, filename, mimeType string, content io.Reader) (string, error)
}

// Transformer turns a logical post into a ready-to-send payload: formatted
// text plus one uploaded attachment token per media item, in source order.
// If any attachment fails to upload after retries the whole post fails, so
// an album is never delivered partially.
type Transformer struct {
	uploader   Uploader
	attempts   int
	retryDelay time.Duration
	log        zerolog.Logger
}

func NewTransformer(uploader Uploader, attempts int, retryDelay time.Duration, log zerolog.Logger) *Transformer {
	if attempts < 1 {
		attempts = 1
	}
	return &Transformer{
		uploader:   uploader,
		attempts:   attempts,
		retryDelay: retryDelay,
		log:        log.With().Str("component", "transformer").Logger(),
	}
}

func (t *Transformer) Transform(ctx context.Context, post *LogicalPost) (*maxapi.Payload, error) {
	text, format := telegramfmt.Format(post.Text, post.Entities)
	payload := &maxapi.Payload{Text: text, Format: format}
	for i := range post.Attachments {
		att := &post.Attachments[i]
		attachType, ok := attachmentType(att.Kind)
		if !ok {
			t.log.Debug().
				Str("kind", string(att.Kind)).
				Int64("channel_id", post.ChannelID).
				Msg("Skipping unsupported attachment")
			continue
		}
		token, err := t.uploadAttachment(ctx, att, attachType)
		if err != nil {
			return nil, fmt.Errorf("attachment %d/%d (%s): %w", i+1, len(post.Attachments), att.Kind, err)
		}
		payload.Attachments = append(payload.Attachments, maxapi.Attachment{
			Type:    attachType,
			Payload: maxapi.AttachmentPayload{Token: token},
		})
	}
	if payload.Text == "" && len(payload.Attachments) == 0 {
		return nil, ErrNothingToSend
	}
	return payload, nil
}

func attachmentType(kind AttachmentKind) (maxapi.AttachmentType, bool) {
	switch kind {
	case AttachmentPhoto:
		return maxapi.AttachmentImage, true
	case AttachmentVideo:
		return maxapi.AttachmentVideo, true
	case AttachmentAudio, AttachmentVoice:
		return maxapi.AttachmentAudio, true
	case AttachmentDocument:
		return maxapi.AttachmentFile, true
	default:
		return "", false
	}
}

func (t *Transformer) uploadAttachment(ctx context.Context, att *Attachment, attachType maxapi.AttachmentType) (string, error) {
	var lastErr error
	delay := t.retryDelay
	for attempt := 1; attempt <= t.attempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, delay); err != nil {
				return "", err
			}
			delay *= 2
		}
		token, err := t.tryUpload(ctx, att, attachType)
		if err == nil {
			return token, nil
		}
		if !maxapi.IsTemporary(err) {
			return "", err
		}
		lastErr = err
		t.log.Warn().Err(err).
			Str("filename", att.FileName).
			Int("attempt", attempt).
			Msg("Attachment upload failed, retrying")
	}
	return "", fmt.Errorf("upload gave up after %d attempts: %w", t.attempts, lastErr)
}

func (t *Transformer) tryUpload(ctx context.Context, att *Attachment, attachType maxapi.AttachmentType) (string, error) {
	if att.Open == nil {
		return "", &ValidationError{Reason: "attachment has no content source"}
	}
	slot, err := t.uploader.RequestUploadSlot(ctx, attachType)
	if err != nil {
		return "", fmt.Errorf("failed to get upload slot: %w", err)
	}
	content, err := att.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to open attachment: %w", err)
	}
	defer content.Close()
	token, err := t.uploader.UploadMedia(ctx, slot, att.FileName, att.MimeType, content)
	if err != nil {
		return "", fmt.Errorf("failed to upload attachment: %w", err)
	}
	return token, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
