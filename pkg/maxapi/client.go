// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package maxapi is a client for the MAX messenger bot API.
package maxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/retryafter"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultUploadTimeout  = 60 * time.Second
	defaultRetryAfter     = 5 * time.Second

	maxErrorBodySize = 1 << 20
)

// Client talks to one MAX bot API endpoint with one bot token.
type Client struct {
	base  *url.URL
	token string

	http   *http.Client
	upload *http.Client
	log    zerolog.Logger
}

func NewClient(baseURL, token string, log zerolog.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	return &Client{
		base:   base,
		token:  token,
		http:   &http.Client{Timeout: defaultRequestTimeout},
		upload: &http.Client{Timeout: defaultUploadTimeout},
		log:    log.With().Str("component", "maxapi").Logger(),
	}, nil
}

type sendResponse struct {
	MessageID opaqueID        `json:"message_id"`
	Error     string          `json:"error"`
	Errors    json.RawMessage `json:"errors"`
}

// opaqueID accepts a message ID sent as either a JSON string or a number.
// The ID is never interpreted, only stored and logged.
type opaqueID string

func (id *opaqueID) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*id = opaqueID(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("message_id is neither a string nor a number: %w", err)
	}
	*id = opaqueID(num.String())
	return nil
}

// SendMessage posts a message to the chat. The chat is addressed via the
// chat_id query parameter as the API requires.
func (c *Client) SendMessage(ctx context.Context, chatID int64, payload *Payload) (*SentMessage, error) {
	query := url.Values{"chat_id": {strconv.FormatInt(chatID, 10)}}
	var resp sendResponse
	err := c.do(ctx, http.MethodPost, "messages", query, payload, &resp)
	if err != nil {
		return nil, err
	}
	if err = resp.asError(); err != nil {
		return nil, err
	}
	c.log.Debug().
		Int64("chat_id", chatID).
		Str("message_id", string(resp.MessageID)).
		Int("attachments", len(payload.Attachments)).
		Msg("Message sent")
	return &SentMessage{MessageID: string(resp.MessageID)}, nil
}

// asError turns an error reported inside a 200 response body into an *Error.
func (sr *sendResponse) asError() error {
	errText := sr.Error
	if errText == "" && len(sr.Errors) > 0 && string(sr.Errors) != "null" {
		errText = string(sr.Errors)
	}
	if errText == "" {
		return nil
	}
	code := ""
	if strings.Contains(strings.ToLower(errText), "not.ready") {
		code = CodeAttachmentNotReady
	}
	return &Error{StatusCode: http.StatusOK, Code: code, Message: errText}
}

// RequestUploadSlot asks the API for a URL to upload one file of the given
// type to.
func (c *Client) RequestUploadSlot(ctx context.Context, attachType AttachmentType) (*UploadSlot, error) {
	query := url.Values{"type": {string(attachType)}}
	var slot UploadSlot
	err := c.do(ctx, http.MethodPost, "uploads", query, nil, &slot)
	if err != nil {
		return nil, err
	}
	if slot.URL == "" {
		return nil, &Error{Message: "upload slot response has no URL"}
	}
	if slotURL, err := url.Parse(slot.URL); err == nil {
		slot.PhotoIDs = slotURL.Query()["photoIds"]
	}
	return &slot, nil
}

type uploadResult struct {
	Photos map[string]struct {
		Token string `json:"token"`
	} `json:"photos"`
	Token string `json:"token"`
}

// UploadMedia streams the file content to an upload slot and returns the
// attachment token. Image uploads return tokens keyed by photo ID, other
// media kinds return a top-level token or carry it on the slot itself.
func (c *Client) UploadMedia(ctx context.Context, slot *UploadSlot, filename, mimeType string, content io.Reader) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="data"; filename=%q`, filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to prepare upload: %w", err)
	}
	if _, err = io.Copy(part, content); err != nil {
		return "", fmt.Errorf("failed to buffer upload: %w", err)
	}
	if err = writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finish upload body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, slot.URL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.upload.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", c.errorFromResponse(resp)
	}
	var result uploadResult
	if err = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	return c.extractToken(slot, &result)
}

func (c *Client) extractToken(slot *UploadSlot, result *uploadResult) (string, error) {
	if len(result.Photos) > 0 {
		for _, photoID := range slot.PhotoIDs {
			if photo, ok := result.Photos[photoID]; ok && photo.Token != "" {
				return photo.Token, nil
			}
		}
		for _, photo := range result.Photos {
			if photo.Token != "" {
				return photo.Token, nil
			}
		}
	}
	if result.Token != "" {
		return result.Token, nil
	}
	if slot.Token != "" {
		return slot.Token, nil
	}
	return "", &Error{Message: "upload response has no attachment token"}
}

// GetMe fetches the bot identity, which doubles as a credential check.
func (c *Client) GetMe(ctx context.Context) (*BotInfo, error) {
	var info BotInfo
	err := c.do(ctx, http.MethodGet, "me", nil, nil, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// GetChat fetches metadata about one destination chat.
func (c *Client) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	var chat Chat
	err := c.do(ctx, http.MethodGet, "chats/"+strconv.FormatInt(chatID, 10), nil, nil, &chat)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqBody, respBody any) error {
	reqURL := c.base.JoinPath(path)
	if query != nil {
		reqURL.RawQuery = query.Encode()
	}
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return c.errorFromResponse(resp)
	}
	if respBody != nil {
		if err = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	var parsed errorBody
	if json.Unmarshal(data, &parsed) == nil {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
		if apiErr.Message == "" {
			apiErr.Message = parsed.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr.RetryAfter = retryafter.Parse(resp.Header.Get("Retry-After"), defaultRetryAfter)
	}
	return apiErr
}
