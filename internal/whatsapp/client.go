// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package whatsapp talks to the WhatsApp Cloud API on the Meta Graph API:
// resolving and downloading media, sending text replies and marking
// messages as read. It also parses inbound webhook payloads.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"
)

// DefaultBaseURL is the Graph API version the client targets.
const DefaultBaseURL = "https://graph.facebook.com/v21.0"

// maxMediaBytes caps a single download; the platform rejects larger uploads.
const maxMediaBytes = 100 << 20

// ErrMediaNotFound is returned when the platform no longer knows a media id.
var ErrMediaNotFound = errors.New("whatsapp: media not found")

// MediaInfo is the metadata the Graph API returns for a media id.
type MediaInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url" validate:"required,url"`
	MimeType string `json:"mime_type" validate:"required"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size" validate:"gte=0"`
}

// Client is a WhatsApp Cloud API client for one business phone number.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	phoneNumberID string
	validate      *validator.Validate
}

// HTTPClient returns an HTTP client that authenticates every request with
// the long-lived system user access token.
func HTTPClient(ctx context.Context, accessToken string) *http.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	})
	c := oauth2.NewClient(ctx, ts)
	c.Timeout = 30 * time.Second
	return c
}

// NewClient creates a client. httpClient must add authentication; see HTTPClient.
func NewClient(httpClient *http.Client, baseURL, phoneNumberID string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient:    httpClient,
		baseURL:       strings.TrimRight(baseURL, "/"),
		phoneNumberID: phoneNumberID,
		validate:      validator.New(),
	}
}

// ResolveDownloadURL looks up the short-lived download URL of a media id.
func (c *Client) ResolveDownloadURL(ctx context.Context, mediaRef string) (*MediaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+mediaRef, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrMediaNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp, "resolve media "+mediaRef)
	}

	var info MediaInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode media info: %w", err)
	}
	if err := c.validate.Struct(&info); err != nil {
		return nil, fmt.Errorf("invalid media info for %s: %w", mediaRef, err)
	}
	return &info, nil
}

// FetchBinary downloads the bytes behind a URL returned by ResolveDownloadURL.
func (c *Client) FetchBinary(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrMediaNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp, "download media")
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media body: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}
	return data, nil
}

// SendText sends a plain text message to a WhatsApp user.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": body},
	}
	if err := c.postMessages(ctx, payload); err != nil {
		return fmt.Errorf("send text to %s: %w", to, err)
	}
	slog.Debug("whatsapp text sent", "to", to)
	return nil
}

// MarkAsRead flags an inbound message as read, showing blue ticks to the sender.
func (c *Client) MarkAsRead(ctx context.Context, messageID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	if err := c.postMessages(ctx, payload); err != nil {
		return fmt.Errorf("mark %s as read: %w", messageID, err)
	}
	return nil
}

func (c *Client) postMessages(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp, "post message")
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func apiError(resp *http.Response, op string) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: graph API returned HTTP %d: %s", op, resp.StatusCode, strings.TrimSpace(string(detail)))
}
