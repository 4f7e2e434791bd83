package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"verbatim/api/internal/auth"
	"verbatim/api/internal/presence"
	"verbatim/api/internal/realtime"
	"verbatim/api/internal/search"
	"verbatim/api/internal/store"
	"verbatim/api/internal/util"
)

// Session is the authenticated caller for one request.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	ExpiresAt time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	ListInterviews(ctx context.Context, projectID string) ([]store.Interview, error)
	ListAnnotations(ctx context.Context, projectID string) ([]store.Annotation, error)
	UpsertAnnotation(ctx context.Context, a store.Annotation) (store.Annotation, bool, error)
	DeleteAnnotation(ctx context.Context, projectID, annotationID string) (store.Annotation, error)
	ListJobs(ctx context.Context, projectID string) ([]store.AnalysisJob, error)
}

type jobRunner interface {
	Submit(ctx context.Context, projectID, interviewID, kind string, payload json.RawMessage) (store.AnalysisJob, error)
	Retry(ctx context.Context, jobID string) (store.AnalysisJob, error)
	Get(ctx context.Context, jobID string) (store.AnalysisJob, error)
}

type resultSearch interface {
	Search(q, projectID string, limit int) ([]search.Hit, error)
}

type Service struct {
	store    dataStore
	jobs     jobRunner
	presence *presence.Store
	notify   *presence.Broadcaster
	bus      *realtime.Bus
	search   resultSearch

	secret    []byte
	accessTTL time.Duration
	ticketTTL time.Duration
}

func NewService(st dataStore, jobs jobRunner, pres *presence.Store, notify *presence.Broadcaster, bus *realtime.Bus, idx resultSearch, secret string, accessTTL, ticketTTL time.Duration) *Service {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if ticketTTL <= 0 {
		ticketTTL = time.Minute
	}
	return &Service{
		store:     st,
		jobs:      jobs,
		presence:  pres,
		notify:    notify,
		bus:       bus,
		search:    idx,
		secret:    []byte(secret),
		accessTTL: accessTTL,
		ticketTTL: ticketTTL,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingBus(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Ping(ctx)
}

// Login issues a bearer token for a display name. Reviewers are identified
// by name only; password auth is handled upstream.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
	}
	userID := util.NewID("user")
	expires := time.Now().Add(s.accessTTL)
	token, err := auth.IssueToken(s.secret, auth.Claims{
		Sub:  userID,
		Name: name,
		Role: "member",
		JTI:  uuid.NewString(),
		Exp:  expires.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:     token,
		UserID:    userID,
		UserName:  name,
		Role:      "member",
		ExpiresAt: expires,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      claims.Role,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// IssueStreamTicket mints a short-lived credential scoped to one project or
// presence scope, for clients that cannot attach an Authorization header to
// a push stream.
func (s *Service) IssueStreamTicket(session Session, scope string) (string, time.Duration, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return "", 0, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "scope is required", nil)
	}
	ticket, err := auth.IssueTicket(s.secret, auth.TicketClaims{
		Sub:   session.UserID,
		Name:  session.UserName,
		Scope: scope,
		Exp:   time.Now().Add(s.ticketTTL).Unix(),
	})
	if err != nil {
		return "", 0, fmt.Errorf("issue ticket: %w", err)
	}
	return ticket, s.ticketTTL, nil
}

func (s *Service) SessionFromTicket(ticket, scope string) (Session, error) {
	claims, err := auth.ParseTicket(s.secret, ticket, scope)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      "member",
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

type SubmitJobInput struct {
	ProjectID   string          `json:"projectId"`
	InterviewID string          `json:"interviewId"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
}

func (s *Service) SubmitJob(ctx context.Context, session Session, in SubmitJobInput) (store.AnalysisJob, error) {
	if strings.TrimSpace(in.ProjectID) == "" {
		return store.AnalysisJob{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "projectId is required", nil)
	}
	if strings.TrimSpace(in.Kind) == "" {
		return store.AnalysisJob{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "kind is required", nil)
	}
	return s.jobs.Submit(ctx, in.ProjectID, in.InterviewID, in.Kind, in.Payload)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (store.AnalysisJob, error) {
	return s.jobs.Get(ctx, jobID)
}

func (s *Service) RetryJob(ctx context.Context, jobID string) (store.AnalysisJob, error) {
	return s.jobs.Retry(ctx, jobID)
}

type HeartbeatInput struct {
	Location string `json:"location"`
	Status   string `json:"status"`
}

func (s *Service) Heartbeat(ctx context.Context, session Session, scope string, in HeartbeatInput) error {
	if err := s.presence.Heartbeat(ctx, scope, session.UserID, in.Location, in.Status); err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	if s.notify != nil {
		s.notify.Touch(scope)
	}
	return nil
}

func (s *Service) LeavePresence(ctx context.Context, session Session, scope string) error {
	if err := s.presence.Remove(ctx, scope, session.UserID); err != nil {
		return fmt.Errorf("presence remove: %w", err)
	}
	if s.notify != nil {
		s.notify.BroadcastNow(ctx, scope)
	}
	return nil
}

func (s *Service) ActiveMembers(ctx context.Context, scope string) ([]presence.Entry, error) {
	return s.presence.ListActive(ctx, scope)
}

// PresenceEvents subscribes to the broadcast snapshots for one scope. The
// returned cancel releases the underlying subscription.
func (s *Service) PresenceEvents(ctx context.Context, scope string) (<-chan string, func()) {
	return s.bus.SubscribeRaw(ctx, scope, realtime.FeaturePresence)
}

func (s *Service) ChangeFeed(ctx context.Context, projectID, feature string) *realtime.BusSubscription {
	return s.bus.Subscribe(ctx, projectID, feature)
}

type AnnotationInput struct {
	InterviewID string `json:"interviewId"`
	Body        string `json:"body"`
	Anchor      string `json:"anchor"`
}

func (s *Service) SaveAnnotation(ctx context.Context, session Session, projectID, annotationID string, in AnnotationInput) (store.Annotation, error) {
	if strings.TrimSpace(in.Body) == "" {
		return store.Annotation{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "body is required", nil)
	}
	saved, created, err := s.store.UpsertAnnotation(ctx, store.Annotation{
		ID:          annotationID,
		ProjectID:   projectID,
		InterviewID: in.InterviewID,
		Author:      session.UserName,
		Body:        in.Body,
		Anchor:      in.Anchor,
	})
	if err != nil {
		return store.Annotation{}, fmt.Errorf("upsert annotation: %w", err)
	}
	op := realtime.EventUpdate
	if created {
		op = realtime.EventInsert
	}
	s.publishAnnotation(ctx, op, saved, store.Annotation{})
	return saved, nil
}

func (s *Service) DeleteAnnotation(ctx context.Context, session Session, projectID, annotationID string) error {
	deleted, err := s.store.DeleteAnnotation(ctx, projectID, annotationID)
	if err != nil {
		return err
	}
	s.publishAnnotation(ctx, realtime.EventDelete, store.Annotation{}, deleted)
	return nil
}

func (s *Service) publishAnnotation(ctx context.Context, op realtime.EventType, a, old store.Annotation) {
	if s.bus == nil {
		return
	}
	event := realtime.ChangeEvent{
		EventType:   op,
		Schema:      "public",
		Table:       "annotations",
		CommittedAt: a.UpdatedAt,
	}
	projectID := a.ProjectID
	if op == realtime.EventDelete {
		event.Old, _ = json.Marshal(annotationRow(old))
		event.CommittedAt = time.Now()
		projectID = old.ProjectID
	} else {
		event.New, _ = json.Marshal(annotationRow(a))
	}
	if err := s.bus.Publish(ctx, projectID, realtime.FeatureAnnotations, event); err != nil {
		// Subscribers resync on reconnect; a dropped publish is not fatal.
		return
	}
}

// SnapshotEvents returns the full current state of one feature as a list of
// insert events, for reconnect resyncs and the polling tier.
func (s *Service) SnapshotEvents(ctx context.Context, projectID, feature string) ([]realtime.ChangeEvent, error) {
	switch feature {
	case realtime.FeatureInterviews:
		interviews, err := s.store.ListInterviews(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("list interviews: %w", err)
		}
		events := make([]realtime.ChangeEvent, 0, len(interviews))
		for _, iv := range interviews {
			row, _ := json.Marshal(interviewRow(iv))
			events = append(events, realtime.ChangeEvent{
				EventType:   realtime.EventInsert,
				Schema:      "public",
				Table:       "interviews",
				New:         row,
				CommittedAt: iv.UpdatedAt,
			})
		}
		return events, nil
	case realtime.FeatureAnnotations:
		annotations, err := s.store.ListAnnotations(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("list annotations: %w", err)
		}
		events := make([]realtime.ChangeEvent, 0, len(annotations))
		for _, a := range annotations {
			row, _ := json.Marshal(annotationRow(a))
			events = append(events, realtime.ChangeEvent{
				EventType:   realtime.EventInsert,
				Schema:      "public",
				Table:       "annotations",
				New:         row,
				CommittedAt: a.UpdatedAt,
			})
		}
		return events, nil
	case realtime.FeatureJobs:
		jobs, err := s.store.ListJobs(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		events := make([]realtime.ChangeEvent, 0, len(jobs))
		for _, job := range jobs {
			row, _ := json.Marshal(jobRow(job))
			events = append(events, realtime.ChangeEvent{
				EventType:   realtime.EventInsert,
				Schema:      "public",
				Table:       "analysis_jobs",
				New:         row,
				CommittedAt: job.UpdatedAt,
			})
		}
		return events, nil
	default:
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "unknown feature", map[string]any{"feature": feature})
	}
}

func (s *Service) SearchResults(q, projectID string, limit int) ([]search.Hit, error) {
	if s.search == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	return s.search.Search(q, projectID, limit)
}

func interviewRow(iv store.Interview) map[string]any {
	return map[string]any{
		"id":                    iv.ID,
		"project_id":            iv.ProjectID,
		"title":                 iv.Title,
		"transcript_object_key": iv.TranscriptObjectKey,
		"status":                iv.Status,
		"updated_at":            iv.UpdatedAt,
	}
}

func annotationRow(a store.Annotation) map[string]any {
	return map[string]any{
		"id":           a.ID,
		"project_id":   a.ProjectID,
		"interview_id": a.InterviewID,
		"author":       a.Author,
		"body":         a.Body,
		"anchor":       a.Anchor,
		"updated_at":   a.UpdatedAt,
	}
}

func jobRow(job store.AnalysisJob) map[string]any {
	row := map[string]any{
		"id":                 job.ID,
		"project_id":         job.ProjectID,
		"interview_id":       job.InterviewID,
		"kind":               job.Kind,
		"status":             job.Status,
		"processing_attempt": job.Attempt,
	}
	if job.ProcessingStartedAt != nil {
		row["processing_started_at"] = job.ProcessingStartedAt
	}
	if job.FinishedAt != nil {
		row["finished_at"] = job.FinishedAt
	}
	if job.Error != nil {
		row["error"] = *job.Error
	}
	if job.Message != nil {
		row["message"] = *job.Message
	}
	if job.FailedAt != nil {
		row["failed_at"] = *job.FailedAt
	}
	if job.ResultObjectKey != nil {
		row["result_object_key"] = *job.ResultObjectKey
	}
	return row
}
