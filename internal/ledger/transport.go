// Package ledger builds and executes queries and command submissions against
// the ledger JSON API, and normalizes its polymorphic response envelopes.
// Raw untyped payloads never leave this package except as decoded contracts
// and events.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Response is the uniform envelope for every HTTP exchange the engine makes,
// against the ledger API and the escrow API alike.
type Response struct {
	Status int
	Body   []byte
}

// OK reports whether the response carries a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("ledger: empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("ledger: decode response: %w", err)
	}
	return nil
}

// Transport executes JSON HTTP requests with bearer authentication.
type Transport struct {
	httpClient *http.Client
}

// NewTransport creates a transport with a bounded request timeout.
func NewTransport() *Transport {
	return &Transport{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// Do executes one request. A nil body sends no payload; otherwise the body is
// JSON-encoded. Network-level failures return an error; HTTP-level failures
// return a Response with a non-2xx status for the caller to classify.
func (t *Transport) Do(ctx context.Context, method, url, bearer string, body any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("ledger: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("ledger: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ledger: read response: %w", err)
	}

	return &Response{Status: resp.StatusCode, Body: data}, nil
}
