// Package query runs read-only SQL against the warehouse on behalf of an
// authorized caller.
package query

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"bq-gateway/internal/domain"
	"bq-gateway/internal/metrics"
	"bq-gateway/internal/sqlguard"
)

const (
	defaultPollMin  = 200 * time.Millisecond
	defaultPollMax  = 2 * time.Second
	defaultPageSize = 1000
	cancelTimeout   = 10 * time.Second
	maxAttempts     = 2
)

// Config bounds query execution.
type Config struct {
	// Timeout is both the default and the upper bound for a request timeout.
	Timeout time.Duration
	// MaxResults caps the rows returned by any query.
	MaxResults        int
	QuotaRetryBackoff time.Duration
	Location          string
	PageSize          int
	PollMin           time.Duration
	PollMax           time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 10000
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.PollMin <= 0 {
		c.PollMin = defaultPollMin
	}
	if c.PollMax < c.PollMin {
		c.PollMax = max(defaultPollMax, c.PollMin)
	}
	return c
}

// Executor submits query jobs and waits for them under a deadline.
type Executor struct {
	warehouse domain.Warehouse
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	newJobID  func() string
}

// NewExecutor creates an Executor. m may be nil.
func NewExecutor(wh domain.Warehouse, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		warehouse: wh,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "executor"),
		metrics:   m,
		now:       time.Now,
		newJobID:  domain.NewJobID,
	}
}

// MaxResults returns the configured row cap.
func (e *Executor) MaxResults() int { return e.cfg.MaxResults }

// RowCap returns the number of rows a request may read: its own max_results
// when set and smaller than the configured cap.
func (e *Executor) RowCap(requested int) int {
	if requested > 0 && requested < e.cfg.MaxResults {
		return requested
	}
	return e.cfg.MaxResults
}

// Timeout returns the effective timeout for a request.
func (e *Executor) Timeout(requested time.Duration) time.Duration {
	if requested > 0 && requested < e.cfg.Timeout {
		return requested
	}
	return e.cfg.Timeout
}

// Execute validates req against scope, runs it and returns an iterator over
// its rows together with the job handle. The iterator reads pages with ctx.
//
// A job that outlives the timeout is cancelled and reported as
// ExecError{Timeout}. When ctx itself ends the job is cancelled and ctx's
// error is returned.
func (e *Executor) Execute(ctx context.Context, scope *domain.TenantScope, req domain.QueryRequest) (*RowIterator, *domain.QueryJob, error) {
	if err := sqlguard.Check(req.SQL); err != nil {
		return nil, nil, domain.WrapExec(domain.ExecUnscoped, err)
	}

	project := req.ProjectID
	if project == "" && scope != nil {
		project = scope.Target
	}
	if !scope.Allows(project) {
		return nil, nil, domain.ErrExec(domain.ExecScopeViolation, "project %q is outside the caller's scope", project)
	}

	rowCap := e.RowCap(req.MaxRows)
	timeout := e.Timeout(req.Timeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	job := &domain.QueryJob{ProjectID: project, Location: e.cfg.Location}
	spec := domain.JobSpec{
		ProjectID: project,
		Location:  e.cfg.Location,
		SQL:       req.SQL,
		Params:    req.Params,
		UseCache:  req.UseCache,
		PageSize:  min(e.cfg.PageSize, rowCap+1),
		MaxRows:   rowCap + 1,
		DryRun:    req.DryRun,
	}

	var (
		ref domain.JobRef
		err error
	)
	for {
		ref, err = e.attempt(runCtx, job, spec)
		if err == nil || job.Attempt >= maxAttempts || !domain.IsExecKind(err, domain.ExecQuotaExceeded) {
			break
		}
		e.logger.WarnContext(ctx, "quota exceeded, retrying", "job_id", job.ID, "backoff", e.cfg.QuotaRetryBackoff)
		if werr := sleep(runCtx, e.cfg.QuotaRetryBackoff); werr != nil {
			err = werr
			break
		}
	}
	if err != nil {
		return nil, job, e.fail(ctx, runCtx, job, ref, err, timeout)
	}
	if spec.DryRun {
		return newRowIterator(ctx, emptyPager{}, rowCap), job, nil
	}

	pager, err := e.warehouse.Results(ctx, ref, spec.PageSize)
	if err != nil {
		return nil, job, err
	}
	return newRowIterator(ctx, pager, rowCap), job, nil
}

// attempt submits one job and polls it to completion.
func (e *Executor) attempt(ctx context.Context, job *domain.QueryJob, spec domain.JobSpec) (domain.JobRef, error) {
	*job = domain.QueryJob{
		ID:          e.newJobID(),
		ProjectID:   job.ProjectID,
		Location:    job.Location,
		State:       domain.QueryJobSubmitted,
		Attempt:     job.Attempt + 1,
		SubmittedAt: e.now(),
	}
	spec.JobID = job.ID

	e.metrics.JobStarted()
	start := e.now()
	outcome := string(domain.QueryJobSucceeded)
	defer func() { e.metrics.JobFinished(outcome, e.now().Sub(start)) }()

	ref, err := e.warehouse.Submit(ctx, spec)
	if err != nil {
		outcome = outcomeOf(err)
		return ref, err
	}
	job.Location = ref.Location
	job.Transition(domain.QueryJobRunning, e.now())
	if ref.Stats != nil {
		job.Stats = *ref.Stats
		job.Transition(domain.QueryJobSucceeded, e.now())
		e.logger.DebugContext(ctx, "dry run finished", "job_id", job.ID, "bytes_processed", job.Stats.BytesProcessed)
		return ref, nil
	}
	e.logger.DebugContext(ctx, "job submitted", "job_id", job.ID, "project", job.ProjectID, "attempt", job.Attempt)

	status, err := e.wait(ctx, ref)
	if err != nil {
		outcome = outcomeOf(err)
		return ref, err
	}
	job.Stats = status.Stats
	job.Transition(domain.QueryJobSucceeded, e.now())
	return ref, nil
}

// wait polls ref with an interval doubling from PollMin up to PollMax.
func (e *Executor) wait(ctx context.Context, ref domain.JobRef) (domain.JobStatus, error) {
	interval := e.cfg.PollMin
	for {
		status, err := e.warehouse.Poll(ctx, ref)
		if err != nil {
			return status, err
		}
		if status.Done {
			return status, status.Err
		}
		if err := sleep(ctx, interval); err != nil {
			return status, err
		}
		interval = min(interval*2, e.cfg.PollMax)
	}
}

// fail settles the job after err and decides what the caller sees.
func (e *Executor) fail(ctx, runCtx context.Context, job *domain.QueryJob, ref domain.JobRef, err error, timeout time.Duration) error {
	now := e.now()
	switch {
	case ctx.Err() != nil:
		job.Error = ctx.Err()
		job.Transition(domain.QueryJobFailed, now)
		e.cancelJob(ctx, job, ref)
		e.logger.InfoContext(ctx, "client went away, job cancelled", "job_id", job.ID)
		return ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		job.Transition(domain.QueryJobTimedOut, now)
		job.Error = domain.ErrExec(domain.ExecTimeout, "query did not finish within %s", timeout)
		e.cancelJob(ctx, job, ref)
		e.logger.WarnContext(ctx, "job timed out", "job_id", job.ID, "timeout", timeout)
		return job.Error
	default:
		job.Error = err
		job.Transition(domain.QueryJobFailed, now)
		e.logger.WarnContext(ctx, "job failed", "job_id", job.ID, "error", err)
		return err
	}
}

// cancelJob asks the warehouse to stop the job. It runs on a context detached
// from the request so a departed client still triggers it.
func (e *Executor) cancelJob(ctx context.Context, job *domain.QueryJob, ref domain.JobRef) {
	if job.ID == "" {
		return
	}
	if ref.JobID == "" {
		ref = domain.JobRef{JobID: job.ID, ProjectID: job.ProjectID, Location: job.Location}
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := e.warehouse.Cancel(cctx, ref); err != nil {
		e.logger.WarnContext(ctx, "job cancel failed", "job_id", job.ID, "error", err)
	}
}

// emptyPager stands in for the results of a dry run, which has no rows.
type emptyPager struct{}

func (emptyPager) NextPage(context.Context) (*domain.ResultPage, error) {
	return &domain.ResultPage{Last: true}, nil
}

func outcomeOf(err error) string {
	var execErr *domain.ExecError
	switch {
	case errors.As(err, &execErr):
		return string(execErr.Kind)
	case errors.Is(err, context.DeadlineExceeded):
		return string(domain.ExecTimeout)
	case errors.Is(err, context.Canceled):
		return "Canceled"
	}
	return string(domain.ExecUnavailable)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
