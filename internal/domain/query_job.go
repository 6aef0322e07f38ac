package domain

import "time"

// QueryJobState represents the lifecycle state of a warehouse query job.
type QueryJobState string

// Query job lifecycle states.
const (
	QueryJobSubmitted QueryJobState = "submitted"
	QueryJobRunning   QueryJobState = "running"
	QueryJobSucceeded QueryJobState = "succeeded"
	QueryJobFailed    QueryJobState = "failed"
	QueryJobTimedOut  QueryJobState = "timedOut"
)

// Terminal reports whether no further transition is possible.
func (s QueryJobState) Terminal() bool {
	return s == QueryJobSucceeded || s == QueryJobFailed || s == QueryJobTimedOut
}

// QueryJob is the handle of one in-flight warehouse query. It is owned by a
// single Execute call and never shared across requests.
type QueryJob struct {
	ID          string
	ProjectID   string
	Location    string
	State       QueryJobState
	Attempt     int
	Error       error
	SubmittedAt time.Time
	CompletedAt *time.Time
	Stats       JobStats
}

// Transition moves the job to state, stamping completion for terminal states.
// Transitions out of a terminal state are ignored.
func (j *QueryJob) Transition(state QueryJobState, now time.Time) {
	if j.State.Terminal() {
		return
	}
	j.State = state
	if state.Terminal() {
		j.CompletedAt = &now
	}
}

// Row is one result row keyed by column name.
type Row map[string]interface{}

// QueryRequest is a read-only query submitted on behalf of a caller.
type QueryRequest struct {
	SQL       string
	Params    map[string]interface{}
	ProjectID string
	Timeout   time.Duration
	MaxRows   int
	UseCache  bool
	DryRun    bool
}

// QueryResult is a fully materialized, capped query result. Cached means the
// gateway's result cache answered; CacheHit means the warehouse's own cache
// did.
type QueryResult struct {
	Columns        []string
	Rows           []Row
	Truncated      bool
	TotalRows      int64
	JobID          string
	ProjectID      string
	Cached         bool
	DryRun         bool
	CacheHit       bool
	BytesProcessed int64
	ExecutionTime  time.Duration
}
