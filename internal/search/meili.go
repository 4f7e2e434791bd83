// Package search indexes completed analysis results so reviewers can find
// them across projects. Indexing is best-effort: an unhealthy Meilisearch
// never fails a job.
package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"verbatim/api/internal/store"
)

const idxResults = "verbatim_results"

// ResultRecord is the indexed shape of one completed analysis.
type ResultRecord struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	InterviewID string `json:"interviewId"`
	Kind        string `json:"kind"`
	Summary     string `json:"summary"`
	FinishedAt  int64  `json:"finishedAt"`
}

// Hit is one search result.
type Hit struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	InterviewID string `json:"interviewId"`
	Kind        string `json:"kind"`
	Summary     string `json:"summary"`
}

// Meili wraps the Meilisearch client with a degraded-mode health loop.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the results index.
// An initial connection failure leaves the client in degraded mode; the
// health loop reconfigures once the service comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxResults,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxResults, err)
	}

	index := m.client.Index(idxResults)
	filterable := []interface{}{"projectId", "interviewId", "kind"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxResults, err)
	}
	searchable := []string{"summary"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxResults, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexResult adds or updates a completed job's result summary. Satisfies
// the orchestrator's Indexer; errors are logged, never propagated.
func (m *Meili) IndexResult(job store.AnalysisJob, summary string) {
	if !m.healthy.Load() {
		return
	}
	record := ResultRecord{
		ID:          job.ID,
		ProjectID:   job.ProjectID,
		InterviewID: job.InterviewID,
		Kind:        job.Kind,
		Summary:     summary,
	}
	if job.FinishedAt != nil {
		record.FinishedAt = job.FinishedAt.Unix()
	}
	if _, err := m.client.Index(idxResults).AddDocuments([]ResultRecord{record}, nil); err != nil {
		log.Printf("search: index result %s: %v", job.ID, err)
	}
}

// Search queries result summaries, optionally scoped to one project.
func (m *Meili) Search(q, projectID string, limit int) ([]Hit, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}

	sr := &meili.SearchRequest{
		Limit: int64(limit),
	}
	if projectID != "" {
		sr.Filter = []string{fmt.Sprintf("projectId = %q", projectID)}
	}

	resp, err := m.client.Index(idxResults).Search(q, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	var hits []Hit
	for _, raw := range resp.Hits {
		hits = append(hits, Hit{
			ID:          decodeString(raw, "id"),
			ProjectID:   decodeString(raw, "projectId"),
			InterviewID: decodeString(raw, "interviewId"),
			Kind:        decodeString(raw, "kind"),
			Summary:     strings.TrimSpace(decodeString(raw, "summary")),
		})
	}
	return hits, nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
