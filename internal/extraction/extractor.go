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

package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Document identifies the stored attachment handed to the extraction
// collaborator. The collaborator reads the file from shared storage.
type Document struct {
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// Options carries per-task extraction parameters.
type Options struct {
	Source        string `json:"source"`
	TenantCode    string `json:"tenant_code"`
	CorrelationID string `json:"correlation_id"`
}

// Result is what the collaborator returns for one document.
type Result struct {
	Raw        string          `json:"raw"`
	Data       json.RawMessage `json:"data"`
	ResultPath string          `json:"result_path"`
}

// Extractor is the external content-extraction collaborator. The algorithm
// itself is out of scope — this is the single contract the pipeline calls.
type Extractor interface {
	Extract(ctx context.Context, doc Document, template string, opts Options) (*Result, error)
}

// HTTPExtractor calls a remote extraction service over HTTP.
type HTTPExtractor struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPExtractor creates an extractor client for the given service URL.
func NewHTTPExtractor(baseURL string, timeout time.Duration) *HTTPExtractor {
	return &HTTPExtractor{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// extractRequest is the wire shape of one extraction call.
type extractRequest struct {
	Document Document `json:"document"`
	Template string   `json:"template"`
	Options  Options  `json:"options"`
}

// Extract POSTs the document reference to the extraction service and decodes
// the structured result. Any non-2xx response is an error — the caller's
// retry policy decides what happens next.
func (e *HTTPExtractor) Extract(ctx context.Context, doc Document, template string, opts Options) (*Result, error) {
	body, err := json.Marshal(extractRequest{
		Document: doc,
		Template: template,
		Options:  opts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extraction service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("extraction service returned HTTP %d: %s", resp.StatusCode, string(msg))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode extraction result: %w", err)
	}

	return &result, nil
}
