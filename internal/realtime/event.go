// Package realtime keeps many clients' views of shared review state
// consistent: change events fan out over a per-feature transport chosen by
// reliability, and a per-session multiplexer applies them exactly once into
// typed caches.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Feature names the logical channels a project exposes.
const (
	FeatureInterviews  = "interviews"
	FeatureAnnotations = "annotations"
	FeatureJobs        = "jobs"
	FeaturePresence    = "presence"
)

// ChangeEvent is the wire shape for one committed row change.
type ChangeEvent struct {
	EventType   EventType       `json:"eventType"`
	Schema      string          `json:"schema"`
	Table       string          `json:"table"`
	Old         json.RawMessage `json:"old,omitempty"`
	New         json.RawMessage `json:"new,omitempty"`
	CommittedAt time.Time       `json:"committedAt"`
}

// EntityID extracts the row id from the event payload. Deletes carry the
// old row; everything else carries the new one.
func (e ChangeEvent) EntityID() string {
	payload := e.New
	if e.EventType == EventDelete {
		payload = e.Old
	}
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &row); err != nil {
		return ""
	}
	return row.ID
}

// DedupeKey identifies an event for idempotent apply. Reconnect replay can
// deliver the same commit twice; (table, id, committedAt) names one commit
// of one row exactly.
func (e ChangeEvent) DedupeKey() string {
	return fmt.Sprintf("%s/%s/%s/%d", e.Schema, e.Table, e.EntityID(), e.CommittedAt.UnixNano())
}
