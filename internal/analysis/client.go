// Package analysis wraps the external transcript-analysis service. The
// algorithm is opaque: we send a kind, a payload and the transcript text,
// and get back a result document.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable marks transport-level failures (unreachable service,
// timeout) as opposed to the service rejecting the request.
var ErrUnavailable = errors.New("analysis service unavailable")

type Result struct {
	Summary  string          `json:"summary"`
	Document json.RawMessage `json:"document"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client. Timeout bounds a single analysis call and should
// be generous; jobs can take minutes.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type analyzeRequest struct {
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Transcript string          `json:"transcript,omitempty"`
}

func (c *Client) Analyze(ctx context.Context, kind string, payload json.RawMessage, transcript string) (Result, error) {
	body, err := json.Marshal(analyzeRequest{Kind: kind, Payload: payload, Transcript: transcript})
	if err != nil {
		return Result{}, fmt.Errorf("marshal analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("analysis service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode analyze response: %w", err)
	}
	return result, nil
}

func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analysis service health: %d", resp.StatusCode)
	}
	return nil
}
