package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"verbatim/api/internal/presence"
)

const keepAliveInterval = 25 * time.Second

// handlePresenceStream pushes presence snapshots for one scope over SSE.
// The first frame is the current member list; afterwards the client sees
// whatever the broadcaster publishes, with comment lines as keep-alives.
func (s *HTTPServer) handlePresenceStream(w http.ResponseWriter, r *http.Request, session Session, scope string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	events, cancel := s.service.PresenceEvents(r.Context(), scope)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if snapshot, err := s.initialPresenceFrame(r.Context(), scope); err == nil {
		fmt.Fprintf(w, "data: %s\n\n", snapshot)
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case payload, open := <-events:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) initialPresenceFrame(ctx context.Context, scope string) ([]byte, error) {
	entries, err := s.service.ActiveMembers(ctx, scope)
	if err != nil {
		return nil, err
	}
	return json.Marshal(presence.Snapshot{
		Subjects:  entries,
		Timestamp: time.Now().UTC(),
	})
}

// handleStreamFeed is the SSE change feed for one (project, feature) pair.
func (s *HTTPServer) handleStreamFeed(w http.ResponseWriter, r *http.Request, session Session, projectID string) {
	feature := r.URL.Query().Get("feature")
	if feature == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "feature is required", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	sub := s.service.ChangeFeed(r.Context(), projectID, feature)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// handleSocketFeed is the websocket change feed. One message per
// ChangeEvent, JSON-encoded, same wire shape as the SSE feed.
func (s *HTTPServer) handleSocketFeed(w http.ResponseWriter, r *http.Request, session Session, projectID string) {
	feature := r.URL.Query().Get("feature")
	if feature == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "feature is required", nil)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// Write-only endpoint, but control frames still need a reader: CloseRead
	// pumps incoming frames and cancels the context when the peer closes.
	ctx := conn.CloseRead(r.Context())

	sub := s.service.ChangeFeed(r.Context(), projectID, feature)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, open := <-sub.Events():
			if !open {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
