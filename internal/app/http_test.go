package app

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"verbatim/api/internal/presence"
	"verbatim/api/internal/realtime"
	"verbatim/api/internal/search"
	"verbatim/api/internal/store"
)

type fakeData struct {
	interviews  []store.Interview
	annotations map[string]store.Annotation
	jobs        []store.AnalysisJob
}

func newFakeData() *fakeData {
	return &fakeData{annotations: make(map[string]store.Annotation)}
}

func (f *fakeData) Ping(ctx context.Context) error { return nil }

func (f *fakeData) ListInterviews(ctx context.Context, projectID string) ([]store.Interview, error) {
	return f.interviews, nil
}

func (f *fakeData) ListAnnotations(ctx context.Context, projectID string) ([]store.Annotation, error) {
	var out []store.Annotation
	for _, a := range f.annotations {
		if a.ProjectID == projectID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeData) UpsertAnnotation(ctx context.Context, a store.Annotation) (store.Annotation, bool, error) {
	_, existed := f.annotations[a.ID]
	a.UpdatedAt = time.Now()
	f.annotations[a.ID] = a
	return a, !existed, nil
}

func (f *fakeData) DeleteAnnotation(ctx context.Context, projectID, annotationID string) (store.Annotation, error) {
	a, ok := f.annotations[annotationID]
	if !ok {
		return store.Annotation{}, sql.ErrNoRows
	}
	delete(f.annotations, annotationID)
	return a, nil
}

func (f *fakeData) ListJobs(ctx context.Context, projectID string) ([]store.AnalysisJob, error) {
	return f.jobs, nil
}

type fakeRunner struct {
	jobs    map[string]store.AnalysisJob
	retried []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{jobs: make(map[string]store.AnalysisJob)}
}

func (f *fakeRunner) Submit(ctx context.Context, projectID, interviewID, kind string, payload json.RawMessage) (store.AnalysisJob, error) {
	job := store.AnalysisJob{
		ID:          "job_test_1",
		ProjectID:   projectID,
		InterviewID: interviewID,
		Kind:        kind,
		Payload:     payload,
		Status:      store.JobPending,
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeRunner) Retry(ctx context.Context, jobID string) (store.AnalysisJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return store.AnalysisJob{}, sql.ErrNoRows
	}
	if job.Status != store.JobFailed {
		return store.AnalysisJob{}, store.ErrIllegalTransition
	}
	job.Status = store.JobProcessing
	job.Attempt++
	f.jobs[jobID] = job
	f.retried = append(f.retried, jobID)
	return job, nil
}

func (f *fakeRunner) Get(ctx context.Context, jobID string) (store.AnalysisJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return store.AnalysisJob{}, sql.ErrNoRows
	}
	return job, nil
}

type fakeSearch struct {
	hits []search.Hit
}

func (f *fakeSearch) Search(q, projectID string, limit int) ([]search.Hit, error) {
	return f.hits, nil
}

type testEnv struct {
	data    *fakeData
	runner  *fakeRunner
	idx     *fakeSearch
	bus     *realtime.Bus
	service *Service
	server  *HTTPServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := realtime.NewBusWithClient(client)
	pres := presence.NewStoreWithClient(client)
	notify := presence.NewBroadcaster(pres, bus)

	data := newFakeData()
	runner := newFakeRunner()
	idx := &fakeSearch{}
	service := NewService(data, runner, pres, notify, bus, idx, "test-secret", 15*time.Minute, time.Minute)
	return &testEnv{
		data:    data,
		runner:  runner,
		idx:     idx,
		bus:     bus,
		service: service,
		server:  NewHTTPServer(service, "*"),
	}
}

func (e *testEnv) login(t *testing.T, name string) Session {
	t.Helper()
	session, err := e.service.Login(context.Background(), name)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return session
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestLoginAndIntrospect(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/session/login", "", map[string]any{"name": "dana"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200", rec.Code)
	}
	payload := decodeResponse(t, rec)
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatal("expected a token")
	}

	rec = env.do(t, http.MethodGet, "/api/session", token, nil)
	payload = decodeResponse(t, rec)
	if payload["authenticated"] != true {
		t.Fatalf("expected authenticated session, got %v", payload)
	}
	if payload["userName"] != "dana" {
		t.Fatalf("userName = %v, want dana", payload["userName"])
	}
}

func TestLoginRequiresName(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/session/login", "", map[string]any{"name": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitJobAccepted(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dana")

	rec := env.do(t, http.MethodPost, "/api/jobs", session.Token, map[string]any{
		"projectId":   "proj-1",
		"interviewId": "iv-1",
		"kind":        "summarize",
		"payload":     map[string]any{"focus": "pricing"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	if payload["status"] != store.JobPending {
		t.Fatalf("status = %v, want pending", payload["status"])
	}
	if payload["jobId"] == "" {
		t.Fatal("expected a job id")
	}
}

func TestSubmitJobValidation(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dana")

	rec := env.do(t, http.MethodPost, "/api/jobs", session.Token, map[string]any{
		"projectId": "proj-1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("code = %v, want VALIDATION_ERROR", payload["code"])
	}
}

func TestSubmitJobRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/jobs", "", map[string]any{"projectId": "p", "kind": "k"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dana")
	rec := env.do(t, http.MethodGet, "/api/jobs/job_missing", session.Token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRetryOnlyFromFailed(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dana")

	env.runner.jobs["job_done"] = store.AnalysisJob{ID: "job_done", Status: store.JobCompleted}
	env.runner.jobs["job_failed"] = store.AnalysisJob{ID: "job_failed", Status: store.JobFailed, Attempt: 1}

	rec := env.do(t, http.MethodPost, "/api/jobs/job_done/retry", session.Token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("retry of completed job status = %d, want 400", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["code"] != "ILLEGAL_TRANSITION" {
		t.Fatalf("code = %v, want ILLEGAL_TRANSITION", payload["code"])
	}

	rec = env.do(t, http.MethodPost, "/api/jobs/job_failed/retry", session.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry of failed job status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	if payload["attempt"] != float64(2) {
		t.Fatalf("attempt = %v, want 2", payload["attempt"])
	}

	rec = env.do(t, http.MethodPost, "/api/jobs/job_missing/retry", session.Token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("retry of unknown job status = %d, want 404", rec.Code)
	}
}

func TestPresenceHeartbeatAndList(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dana")

	rec := env.do(t, http.MethodPost, "/api/presence/proj-1", session.Token, map[string]any{
		"location": "interview-7",
		"status":   "viewing",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/presence/proj-1", session.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var payload struct {
		Subjects []presence.Entry `json:"subjects"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Subjects) != 1 {
		t.Fatalf("subjects = %d, want 1", len(payload.Subjects))
	}
	if payload.Subjects[0].SubjectID != session.UserID {
		t.Fatalf("subject = %s, want %s", payload.Subjects[0].SubjectID, session.UserID)
	}
	if payload.Subjects[0].Location != "interview-7" {
		t.Fatalf("location = %s", payload.Subjects[0].Location)
	}
}

func TestPresenceLeave(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dana")

	env.do(t, http.MethodPost, "/api/presence/proj-1", session.Token, map[string]any{})
	rec := env.do(t, http.MethodDelete, "/api/presence/proj-1", session.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("leave status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/presence/proj-1", session.Token, nil)
	var payload struct {
		Subjects []presence.Entry `json:"subjects"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	if len(payload.Subjects) != 0 {
		t.Fatalf("subjects = %d after leave, want 0", len(payload.Subjects))
	}
}

func TestStreamTicketRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dana")

	rec := env.do(t, http.MethodPost, "/api/realtime/ticket", session.Token, map[string]any{"scope": "proj-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("ticket status = %d: %s", rec.Code, rec.Body.String())
	}
	ticket, _ := decodeResponse(t, rec)["ticket"].(string)
	if ticket == "" {
		t.Fatal("expected a ticket")
	}

	// The ticket authenticates stream-tier endpoints via query string.
	rec = env.do(t, http.MethodGet, "/api/realtime/proj-1/annotations/snapshot?ticket="+ticket, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot with ticket status = %d: %s", rec.Code, rec.Body.String())
	}

	// But not endpoints outside its scope.
	rec = env.do(t, http.MethodGet, "/api/realtime/proj-2/annotations/snapshot?ticket="+ticket, "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("snapshot with wrong-scope ticket status = %d, want 401", rec.Code)
	}
}

func TestSnapshotContainsCurrentRows(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dana")
	env.data.annotations["ann-1"] = store.Annotation{
		ID: "ann-1", ProjectID: "proj-1", Body: "flag this", UpdatedAt: time.Now(),
	}

	rec := env.do(t, http.MethodGet, "/api/realtime/proj-1/annotations/snapshot", session.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Events []realtime.ChangeEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(payload.Events))
	}
	if payload.Events[0].Table != "annotations" || payload.Events[0].EntityID() != "ann-1" {
		t.Fatalf("unexpected event %+v", payload.Events[0])
	}
}

func TestSnapshotUnknownFeature(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dana")
	rec := env.do(t, http.MethodGet, "/api/realtime/proj-1/widgets/snapshot", session.Token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAnnotationUpsertPublishesChange(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dana")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := env.bus.Subscribe(ctx, "proj-1", realtime.FeatureAnnotations)
	defer sub.Close()
	time.Sleep(50 * time.Millisecond) // let the subscription attach

	rec := env.do(t, http.MethodPut, "/api/projects/proj-1/annotations/ann-9", session.Token, map[string]any{
		"interviewId": "iv-1",
		"body":        "contradicts earlier answer",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case event := <-sub.Events():
		if event.EventType != realtime.EventInsert {
			t.Fatalf("eventType = %s, want insert", event.EventType)
		}
		if event.EntityID() != "ann-9" {
			t.Fatalf("entity = %s, want ann-9", event.EntityID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change event published")
	}
}

func TestAnnotationDeletePublishesDelete(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dana")
	env.data.annotations["ann-1"] = store.Annotation{ID: "ann-1", ProjectID: "proj-1", Body: "x"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := env.bus.Subscribe(ctx, "proj-1", realtime.FeatureAnnotations)
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	rec := env.do(t, http.MethodDelete, "/api/projects/proj-1/annotations/ann-1", session.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case event := <-sub.Events():
		if event.EventType != realtime.EventDelete {
			t.Fatalf("eventType = %s, want delete", event.EventType)
		}
		if event.EntityID() != "ann-1" {
			t.Fatalf("entity = %s, want ann-1", event.EntityID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delete event published")
	}
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dana")
	env.idx.hits = []search.Hit{{ID: "job_1", Summary: "pricing concerns"}}

	rec := env.do(t, http.MethodGet, "/api/search?q=pricing", session.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Hits []search.Hit `json:"hits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Hits) != 1 || payload.Hits[0].ID != "job_1" {
		t.Fatalf("unexpected hits %+v", payload.Hits)
	}
}

func TestPresenceStreamFirstFrame(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dana")

	env.do(t, http.MethodPost, "/api/presence/proj-1", session.Token, map[string]any{"status": "viewing"})

	server := httptest.NewServer(env.server.Handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/presence/proj-1/stream?token="+session.Token, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %s", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var snapshot presence.Snapshot
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &snapshot); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if len(snapshot.Subjects) != 1 || snapshot.Subjects[0].SubjectID != session.UserID {
			t.Fatalf("unexpected snapshot %+v", snapshot)
		}
		return
	}
	t.Fatal("stream closed before first frame")
}

func TestStreamEndpointsRejectBadAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/realtime/proj-1/annotations/snapshot", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no auth status = %d, want 401", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/presence/proj-1/stream?token=garbage", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", rec.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	if payload["ok"] != true {
		t.Fatalf("ready payload %v", payload)
	}
}
