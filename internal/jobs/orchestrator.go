// Package jobs orchestrates long-running analysis jobs: a submission
// writes a pending record synchronously, a worker pool executes the
// external call off the request path, and terminal status is reconciled
// against racing success/failure signals through a persisted
// compare-then-write guard.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"verbatim/api/internal/analysis"
	"verbatim/api/internal/realtime"
	"verbatim/api/internal/store"

	"github.com/google/uuid"
)

// Store is the slice of the persistence layer the orchestrator touches.
// It reads and writes status fields only; job payload semantics belong to
// the caller.
type Store interface {
	CreateJob(ctx context.Context, job store.AnalysisJob) (store.AnalysisJob, error)
	GetJob(ctx context.Context, jobID string) (store.AnalysisJob, error)
	MarkProcessing(ctx context.Context, jobID string) (store.AnalysisJob, error)
	MarkCompleted(ctx context.Context, jobID, resultObjectKey, message string) (store.AnalysisJob, bool, error)
	MarkFailedIfProcessing(ctx context.Context, jobID, errCode, message string) (store.AnalysisJob, bool, error)
	GetInterview(ctx context.Context, interviewID string) (store.Interview, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, kind string, payload json.RawMessage, transcript string) (analysis.Result, error)
}

// Blobs fetches transcript text and stores result documents. Optional.
type Blobs interface {
	GetText(ctx context.Context, objectKey string) (string, error)
	PutJSON(ctx context.Context, objectKey string, data []byte) error
}

// Publisher fans job status changes out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, projectID, feature string, event realtime.ChangeEvent) error
}

// Indexer receives completed results for search. Optional; indexing
// failures never fail the job.
type Indexer interface {
	IndexResult(job store.AnalysisJob, summary string)
}

type task struct {
	jobID string
	// claimed is set when the status was already moved to processing (the
	// retry path), so the worker skips the claim step.
	claimed bool
}

type Orchestrator struct {
	store    Store
	analyzer Analyzer
	blobs    Blobs
	pub      Publisher
	indexer  Indexer

	queue    chan task
	stop     chan struct{}
	workers  int
	timeout  time.Duration
	timeouts map[string]time.Duration
}

type Options struct {
	Workers         int
	QueueDepth      int
	DispatchTimeout time.Duration
	// KindTimeouts overrides the dispatch timeout per job kind.
	KindTimeouts map[string]time.Duration
}

func New(st Store, analyzer Analyzer, pub Publisher, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		store:    st,
		analyzer: analyzer,
		pub:      pub,
		queue:    make(chan task, opts.QueueDepth),
		stop:     make(chan struct{}),
		workers:  opts.Workers,
		timeout:  opts.DispatchTimeout,
		timeouts: opts.KindTimeouts,
	}
}

func (o *Orchestrator) WithBlobs(blobs Blobs) *Orchestrator {
	o.blobs = blobs
	return o
}

func (o *Orchestrator) WithIndexer(indexer Indexer) *Orchestrator {
	o.indexer = indexer
	return o
}

// Start runs the worker pool until ctx is canceled and all workers drain.
// Callers that also serve requests should run it on its own goroutine.
func (o *Orchestrator) Start(ctx context.Context) error {
	// Releases any queue-full handoffs still parked once the workers are
	// gone; their tasks are lost, like everything else still queued.
	defer close(o.stop)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case t := <-o.queue:
					o.dispatch(ctx, t)
				}
			}
		})
	}
	return g.Wait()
}

// Submit persists a pending record and schedules dispatch. The record is
// written synchronously so the caller leaves with an id to poll or
// subscribe on; execution never runs on the request path.
func (o *Orchestrator) Submit(ctx context.Context, projectID, interviewID, kind string, payload json.RawMessage) (store.AnalysisJob, error) {
	job, err := o.store.CreateJob(ctx, store.AnalysisJob{
		ID:          "job_" + uuid.NewString(),
		ProjectID:   projectID,
		InterviewID: interviewID,
		Kind:        kind,
		Payload:     payload,
	})
	if err != nil {
		return store.AnalysisJob{}, fmt.Errorf("submit job: %w", err)
	}
	o.publish(job, realtime.EventInsert)
	o.enqueue(task{jobID: job.ID})
	return job, nil
}

// Retry re-enters processing for a failed job, incrementing its attempt.
// Any other current status is an illegal transition reported synchronously
// and never persisted.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (store.AnalysisJob, error) {
	current, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return store.AnalysisJob{}, err
	}
	if current.Status != store.JobFailed {
		return store.AnalysisJob{}, store.ErrIllegalTransition
	}
	job, err := o.store.MarkProcessing(ctx, jobID)
	if err != nil {
		return store.AnalysisJob{}, err
	}
	o.publish(job, realtime.EventUpdate)
	o.enqueue(task{jobID: job.ID, claimed: true})
	return job, nil
}

func (o *Orchestrator) Get(ctx context.Context, jobID string) (store.AnalysisJob, error) {
	return o.store.GetJob(ctx, jobID)
}

func (o *Orchestrator) enqueue(t task) {
	select {
	case o.queue <- t:
	default:
		// Queue full: hand off without blocking the request path.
		go func() {
			select {
			case o.queue <- t:
			case <-o.stop:
				log.Printf("jobs: dropping %s, queue full at shutdown", t.jobID)
			}
		}()
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, t task) {
	job := store.AnalysisJob{}
	var err error
	if t.claimed {
		job, err = o.store.GetJob(ctx, t.jobID)
	} else {
		job, err = o.store.MarkProcessing(ctx, t.jobID)
		if errors.Is(err, store.ErrIllegalTransition) {
			// Already terminal or claimed by another worker.
			log.Printf("jobs: skip dispatch of %s: %v", t.jobID, err)
			return
		}
	}
	if err != nil {
		log.Printf("jobs: load %s for dispatch: %v", t.jobID, err)
		return
	}
	if !t.claimed {
		o.publish(job, realtime.EventUpdate)
	}

	transcript, err := o.transcript(ctx, job)
	if err != nil {
		o.fail(ctx, job, "transcript_unavailable", err.Error())
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeoutFor(job.Kind))
	defer cancel()
	result, err := o.analyzer.Analyze(callCtx, job.Kind, job.Payload, transcript)
	if err != nil {
		code := "analysis_failed"
		if errors.Is(err, analysis.ErrUnavailable) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			code = "analysis_unreachable"
		}
		o.fail(ctx, job, code, err.Error())
		return
	}

	resultKey := ""
	if o.blobs != nil && len(result.Document) > 0 {
		resultKey = "results/" + job.ID + ".json"
		if err := o.blobs.PutJSON(ctx, resultKey, result.Document); err != nil {
			o.fail(ctx, job, "result_store_failed", err.Error())
			return
		}
	}

	completed, ok, err := o.store.MarkCompleted(ctx, job.ID, resultKey, result.Summary)
	if err != nil {
		log.Printf("jobs: mark %s completed: %v", job.ID, err)
		return
	}
	if !ok {
		log.Printf("jobs: %s no longer processing, completion dropped", job.ID)
		return
	}
	o.publish(completed, realtime.EventUpdate)
	if o.indexer != nil {
		o.indexer.IndexResult(completed, result.Summary)
	}
}

// fail records a terminal failure, but only if the job is still
// processing: the dispatcher races the success path, and completed must
// never be downgraded to failed.
func (o *Orchestrator) fail(ctx context.Context, job store.AnalysisJob, code, message string) {
	failed, ok, err := o.store.MarkFailedIfProcessing(ctx, job.ID, code, message)
	if err != nil {
		log.Printf("jobs: mark %s failed: %v", job.ID, err)
		return
	}
	if !ok {
		log.Printf("jobs: %s already terminal, failure (%s) dropped", job.ID, code)
		return
	}
	o.publish(failed, realtime.EventUpdate)
}

func (o *Orchestrator) transcript(ctx context.Context, job store.AnalysisJob) (string, error) {
	if o.blobs == nil || job.InterviewID == "" {
		return "", nil
	}
	interview, err := o.store.GetInterview(ctx, job.InterviewID)
	if err != nil {
		return "", fmt.Errorf("load interview %s: %w", job.InterviewID, err)
	}
	if interview.TranscriptObjectKey == "" {
		return "", nil
	}
	text, err := o.blobs.GetText(ctx, interview.TranscriptObjectKey)
	if err != nil {
		return "", fmt.Errorf("fetch transcript: %w", err)
	}
	return text, nil
}

func (o *Orchestrator) timeoutFor(kind string) time.Duration {
	if d, ok := o.timeouts[kind]; ok {
		return d
	}
	return o.timeout
}

func (o *Orchestrator) publish(job store.AnalysisJob, op realtime.EventType) {
	if o.pub == nil {
		return
	}
	payload, err := json.Marshal(jobRow(job))
	if err != nil {
		log.Printf("jobs: marshal event for %s: %v", job.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event := realtime.ChangeEvent{
		EventType:   op,
		Schema:      "public",
		Table:       "analysis_jobs",
		New:         payload,
		CommittedAt: job.UpdatedAt,
	}
	if err := o.pub.Publish(ctx, job.ProjectID, realtime.FeatureJobs, event); err != nil {
		log.Printf("jobs: publish event for %s: %v", job.ID, err)
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
