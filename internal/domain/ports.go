package domain

import (
	"context"
	"time"
)

// TokenVerifier validates an identity token and returns the caller behind it.
// Implemented by middleware.FirebaseVerifier and middleware.HS256Verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Caller, error)
	// Ready confirms the verifier's key material is reachable.
	Ready(ctx context.Context) error
}

// JobSpec describes a query job to submit to the warehouse.
type JobSpec struct {
	JobID     string
	ProjectID string
	Location  string
	SQL       string
	Params    map[string]interface{}
	UseCache  bool
	// PageSize bounds the rows fetched per results page.
	PageSize int
	// MaxRows is the most rows the caller will read. Backends that
	// materialize results locally may stop after it.
	MaxRows int
	// DryRun validates the query and estimates its cost without running it.
	DryRun bool
}

// JobStats are the statistics a warehouse reports for a finished job.
type JobStats struct {
	BytesProcessed int64
	CacheHit       bool
}

// JobRef identifies a submitted warehouse job.
type JobRef struct {
	JobID     string
	ProjectID string
	Location  string
	// Stats is set when the job already finished inside Submit, as a dry run
	// does. Such a job cannot be polled.
	Stats *JobStats
}

// JobStatus is a point-in-time view of a remote job. Err is set when the job
// finished with a failure.
type JobStatus struct {
	Done  bool
	Err   error
	Stats JobStats
}

// ResultPage is one page of job output. Last is true when no page follows.
type ResultPage struct {
	Columns   []string
	Rows      []Row
	TotalRows int64
	Last      bool
}

// ResultPager fetches result pages in order. It is forward-only.
type ResultPager interface {
	NextPage(ctx context.Context) (*ResultPage, error)
}

// DatasetInfo describes a dataset in a warehouse project.
type DatasetInfo struct {
	DatasetID string `json:"dataset_id"`
	ProjectID string `json:"project_id"`
	Location  string `json:"location,omitempty"`
}

// TableInfo describes a table inside a dataset. Size and timestamps are nil
// when the warehouse does not report them.
type TableInfo struct {
	TableID   string     `json:"table_id"`
	DatasetID string     `json:"dataset_id"`
	ProjectID string     `json:"project_id"`
	TableType string     `json:"table_type,omitempty"`
	NumRows   *int64     `json:"num_rows,omitempty"`
	NumBytes  *int64     `json:"num_bytes,omitempty"`
	Created   *time.Time `json:"created,omitempty"`
	Modified  *time.Time `json:"modified,omitempty"`
}

// FieldInfo is one column of a table schema. Fields holds the children of a
// RECORD column.
type FieldInfo struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Mode        string      `json:"mode,omitempty"`
	Description string      `json:"description,omitempty"`
	Fields      []FieldInfo `json:"fields,omitempty"`
}

// TableSchema is a table's column layout together with its metadata.
type TableSchema struct {
	TableInfo
	Fields []FieldInfo `json:"schema"`
}

// Warehouse submits and tracks query jobs. Implemented by
// warehouse.BigQuery and warehouse.DuckDB.
type Warehouse interface {
	Submit(ctx context.Context, spec JobSpec) (JobRef, error)
	Poll(ctx context.Context, ref JobRef) (JobStatus, error)
	// Cancel is advisory: the remote job may still complete.
	Cancel(ctx context.Context, ref JobRef) error
	Results(ctx context.Context, ref JobRef, pageSize int) (ResultPager, error)
	Ping(ctx context.Context, projectID string) error
	ListDatasets(ctx context.Context, projectID string) ([]DatasetInfo, error)
	ListTables(ctx context.Context, projectID, datasetID string) ([]TableInfo, error)
	// TableSchema returns a NotFoundError when the table does not exist.
	TableSchema(ctx context.Context, projectID, datasetID, tableID string) (*TableSchema, error)
}

// CounterStore holds fixed-window request counters.
// Implemented by ratelimit.MemoryStore and ratelimit.RedisStore.
type CounterStore interface {
	// Incr atomically increments the counter for subject in the window that
	// starts at windowStart and returns the post-increment value.
	Incr(ctx context.Context, subject string, windowStart time.Time, window time.Duration) (int64, error)
}

// CacheEntry is a stored query result.
type CacheEntry struct {
	Columns    []string      `json:"columns"`
	Rows       []Row         `json:"rows"`
	Truncated  bool          `json:"truncated"`
	TotalRows  int64         `json:"total_rows"`
	ComputedAt time.Time     `json:"computed_at"`
	TTL        time.Duration `json:"ttl"`
}

// Expired reports whether the entry's age exceeds its ttl at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.ComputedAt) > e.TTL
}

// ResultStore persists cache entries by fingerprint.
// Implemented by cache.MemoryStore, cache.RedisStore and cache.TieredStore.
type ResultStore interface {
	Get(ctx context.Context, fingerprint string) (*CacheEntry, bool, error)
	Set(ctx context.Context, fingerprint string, entry *CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, fingerprint string) error
}
