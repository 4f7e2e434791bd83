package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Dialer carries what every client transport needs to reach the API.
type Dialer struct {
	BaseURL    string
	Ticket     string
	HTTPClient *http.Client
}

func (d Dialer) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

func (d Dialer) endpoint(path string, query url.Values) string {
	base := strings.TrimRight(d.BaseURL, "/")
	if d.Ticket != "" {
		query.Set("ticket", d.Ticket)
	}
	return base + path + "?" + query.Encode()
}

// NewTransport builds the client transport for a tier. StrategyNone maps to
// a transport whose Open always fails, which keeps the mux loop uniform.
func NewTransport(strategy Strategy, dialer Dialer) Transport {
	switch strategy {
	case StrategySocket:
		return &SocketTransport{dialer: dialer}
	case StrategyStream:
		return &StreamTransport{dialer: dialer}
	case StrategyPoll:
		return &PollTransport{dialer: dialer, Interval: 5 * time.Second}
	default:
		return disabledTransport{}
	}
}

// SocketTransport rides the websocket change feed.
type SocketTransport struct {
	dialer Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *SocketTransport) Open(ctx context.Context, projectID, feature, channelName string) (<-chan ChangeEvent, error) {
	wsURL := t.dialer.endpoint(
		fmt.Sprintf("/api/realtime/%s/ws", url.PathEscape(projectID)),
		url.Values{"feature": {feature}, "channel": {channelName}},
	)
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: t.dialer.httpClient(),
	})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	out := make(chan ChangeEvent, 64)
	go func() {
		defer close(out)
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var event ChangeEvent
			if err := json.Unmarshal(data, &event); err != nil {
				log.Printf("realtime: malformed socket event: %v", err)
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *SocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "unsubscribed")
	}
	return nil
}

// StreamTransport rides the server-sent-events change feed.
type StreamTransport struct {
	dialer Dialer

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (t *StreamTransport) Open(ctx context.Context, projectID, feature, channelName string) (<-chan ChangeEvent, error) {
	streamURL := t.dialer.endpoint(
		fmt.Sprintf("/api/realtime/%s/events", url.PathEscape(projectID)),
		url.Values{"feature": {feature}, "channel": {channelName}},
	)

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.dialer.httpClient().Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open stream: status %d", resp.StatusCode)
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel = cancel
	t.mu.Unlock()

	out := make(chan ChangeEvent, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var data strings.Builder
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if data.Len() > 0 {
					var event ChangeEvent
					if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
						log.Printf("realtime: malformed stream event: %v", err)
					} else {
						select {
						case out <- event:
						case <-streamCtx.Done():
							return
						}
					}
					data.Reset()
				}
				continue
			}
			if strings.HasPrefix(line, ":") {
				continue // keep-alive comment
			}
			if payload, ok := strings.CutPrefix(line, "data:"); ok {
				data.WriteString(strings.TrimSpace(payload))
			}
		}
	}()
	return out, nil
}

func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	return nil
}

// PollTransport fetches the feature snapshot on a timer. Every poll emits
// the full row set; the cache's idempotent apply turns that into deltas.
type PollTransport struct {
	dialer   Dialer
	Interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (t *PollTransport) Open(ctx context.Context, projectID, feature, channelName string) (<-chan ChangeEvent, error) {
	interval := t.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	pollCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel = cancel
	t.mu.Unlock()

	out := make(chan ChangeEvent, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			events, err := t.fetch(pollCtx, projectID, feature)
			if err != nil {
				log.Printf("realtime: poll %s/%s: %v", projectID, feature, err)
				return
			}
			for _, event := range events {
				select {
				case out <- event:
				case <-pollCtx.Done():
					return
				}
			}
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (t *PollTransport) fetch(ctx context.Context, projectID, feature string) ([]ChangeEvent, error) {
	snapshotURL := t.dialer.endpoint(
		fmt.Sprintf("/api/realtime/%s/%s/snapshot", url.PathEscape(projectID), url.PathEscape(feature)),
		url.Values{},
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, snapshotURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.dialer.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot status %d", resp.StatusCode)
	}
	var body struct {
		Events []ChangeEvent `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

func (t *PollTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	return nil
}

// SnapshotResyncer fetches the full-resync payload from the snapshot
// endpoint. It is the Resyncer clients hand to NewSession; the polling
// tier hits the same endpoint on its own timer.
type SnapshotResyncer struct {
	Dialer Dialer
}

func (r SnapshotResyncer) Snapshot(ctx context.Context, projectID, feature string) ([]ChangeEvent, error) {
	t := &PollTransport{dialer: r.Dialer}
	return t.fetch(ctx, projectID, feature)
}

type disabledTransport struct{}

func (disabledTransport) Open(context.Context, string, string, string) (<-chan ChangeEvent, error) {
	return nil, fmt.Errorf("feature channel disabled")
}

func (disabledTransport) Close() error { return nil }
