// Copyright (c) 2026 The DocFlow Authors
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

package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/docflow/pipeline/internal/models"
)

// GraphFetcher fetches messages from a Microsoft-Graph-style mailbox API
// using per-tenant OAuth2 client-credentials HTTP clients.
type GraphFetcher struct {
	clients map[string]*http.Client // keyed by tenant code
	baseURL string
}

// NewGraphFetcher creates a Graph mailbox fetcher. Each tenant's client
// carries that tenant's OAuth token source.
func NewGraphFetcher(clients map[string]*http.Client, baseURL string) *GraphFetcher {
	return &GraphFetcher{
		clients: clients,
		baseURL: baseURL,
	}
}

// graphMessage represents the relevant fields from a Graph message response.
type graphMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
	} `json:"from"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	HasAttachments   bool      `json:"hasAttachments"`
}

// listResponse is a page of /messages results.
type listResponse struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

// graphAttachment is a fileAttachment entry from /messages/{id}/attachments.
type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	ContentBytes string `json:"contentBytes"`
}

type attachmentsResponse struct {
	Value []graphAttachment `json:"value"`
}

// FetchNewMessages lists messages received after the sinceUID watermark and
// downloads their attachments. When sinceUID is empty (first poll for the
// account) only messages from the last 24 hours are returned, so a freshly
// registered mailbox does not replay its full history into the pipeline.
func (f *GraphFetcher) FetchNewMessages(ctx context.Context, tenantCode string, account *models.EmailAccount, sinceUID string) ([]Message, error) {
	client, ok := f.clients[tenantCode]
	if !ok {
		return nil, fmt.Errorf("no mailbox client for tenant %s", tenantCode)
	}

	since, err := f.resolveWatermark(ctx, client, account.MailboxID, sinceUID)
	if err != nil {
		return nil, err
	}

	return f.fetchSince(ctx, client, account.MailboxID, since, sinceUID)
}

// FetchMessagesSince lists every message received after the cutoff,
// regardless of the account's watermark. Used for historical backfill.
func (f *GraphFetcher) FetchMessagesSince(ctx context.Context, tenantCode string, account *models.EmailAccount, since time.Time) ([]Message, error) {
	client, ok := f.clients[tenantCode]
	if !ok {
		return nil, fmt.Errorf("no mailbox client for tenant %s", tenantCode)
	}
	return f.fetchSince(ctx, client, account.MailboxID, since, "")
}

func (f *GraphFetcher) fetchSince(ctx context.Context, client *http.Client, mailboxID string, since time.Time, skipUID string) ([]Message, error) {
	params := url.Values{}
	params.Set("$select", "id,subject,from,receivedDateTime,hasAttachments")
	params.Set("$filter", fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format(time.RFC3339)))
	params.Set("$orderby", "receivedDateTime asc")
	params.Set("$top", "50")

	listURL := fmt.Sprintf("%s/users/%s/messages?%s", f.baseURL, mailboxID, params.Encode())

	var messages []Message
	for nextURL := listURL; nextURL != ""; {
		var page listResponse
		if err := f.getJSON(ctx, client, nextURL, &page); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}

		for _, m := range page.Value {
			if m.ID == skipUID && skipUID != "" {
				continue // the watermark message itself
			}

			msg := Message{
				UID:        m.ID,
				From:       m.From.EmailAddress.Address,
				FromName:   m.From.EmailAddress.Name,
				Subject:    m.Subject,
				ReceivedAt: m.ReceivedDateTime,
			}

			if m.HasAttachments {
				atts, err := f.fetchAttachments(ctx, client, mailboxID, m.ID)
				if err != nil {
					return nil, fmt.Errorf("fetch attachments for %s: %w", m.ID, err)
				}
				msg.Attachments = atts
			}

			messages = append(messages, msg)
		}

		nextURL = page.NextLink
	}

	return messages, nil
}

// resolveWatermark turns the stored message UID into a received-time cutoff.
// A missing or deleted watermark message falls back to a 24h lookback.
func (f *GraphFetcher) resolveWatermark(ctx context.Context, client *http.Client, mailboxID, sinceUID string) (time.Time, error) {
	fallback := time.Now().UTC().Add(-24 * time.Hour)
	if sinceUID == "" {
		return fallback, nil
	}

	u := fmt.Sprintf("%s/users/%s/messages/%s?$select=receivedDateTime",
		f.baseURL, mailboxID, url.PathEscape(sinceUID))

	var msg graphMessage
	if err := f.getJSON(ctx, client, u, &msg); err != nil {
		slog.Warn("watermark message lookup failed, using lookback window",
			"mailbox", mailboxID,
			"uid", sinceUID,
			"error", err,
		)
		return fallback, nil
	}

	return msg.ReceivedDateTime, nil
}

// fetchAttachments downloads all file attachments for a message. Inline and
// item attachments (no contentBytes) are skipped.
func (f *GraphFetcher) fetchAttachments(ctx context.Context, client *http.Client, mailboxID, messageID string) ([]Attachment, error) {
	u := fmt.Sprintf("%s/users/%s/messages/%s/attachments", f.baseURL, mailboxID, url.PathEscape(messageID))

	var resp attachmentsResponse
	if err := f.getJSON(ctx, client, u, &resp); err != nil {
		return nil, err
	}

	var atts []Attachment
	for _, a := range resp.Value {
		if a.ContentBytes == "" {
			slog.Debug("skipping non-file attachment",
				"message_id", messageID,
				"name", a.Name,
				"type", a.ODataType,
			)
			continue
		}

		content, err := base64.StdEncoding.DecodeString(a.ContentBytes)
		if err != nil {
			return nil, fmt.Errorf("decode attachment %s: %w", a.Name, err)
		}

		atts = append(atts, Attachment{
			Filename:    a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
			Content:     content,
		})
	}

	return atts, nil
}

// getJSON performs an authenticated GET and decodes the JSON response.
func (f *GraphFetcher) getJSON(ctx context.Context, client *http.Client, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("mailbox API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mailbox API returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode mailbox API response: %w", err)
	}

	return nil
}
