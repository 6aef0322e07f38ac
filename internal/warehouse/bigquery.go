// Package warehouse implements domain.Warehouse for BigQuery and for a local
// DuckDB database used in development.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	bigquery "google.golang.org/api/bigquery/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"bq-gateway/internal/domain"
)

// BigQueryConfig configures the BigQuery REST client.
type BigQueryConfig struct {
	Location        string
	CredentialsJSON []byte
	CredentialsFile string
	// Endpoint and HTTPClient override the API target, e.g. for tests. An
	// endpoint disables authentication.
	Endpoint   string
	HTTPClient *http.Client
}

// tableMetaFetches bounds concurrent tables.get calls made by ListTables.
const tableMetaFetches = 8

// BigQuery runs jobs through the BigQuery v2 REST API.
type BigQuery struct {
	svc      *bigquery.Service
	location string
	logger   *slog.Logger
}

var _ domain.Warehouse = (*BigQuery)(nil)

// NewBigQuery creates a BigQuery warehouse. Credentials come from
// CredentialsJSON, then CredentialsFile, then Application Default
// Credentials.
func NewBigQuery(ctx context.Context, cfg BigQueryConfig, logger *slog.Logger) (*BigQuery, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case len(cfg.CredentialsJSON) > 0:
		opts = append(opts, option.WithAuthCredentialsJSON(option.ServiceAccount, cfg.CredentialsJSON))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.CredentialsFile))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	svc, err := bigquery.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery service: %w", err)
	}
	return &BigQuery{
		svc:      svc,
		location: cfg.Location,
		logger:   logger.With("component", "bigquery"),
	}, nil
}

// Submit inserts a query job under the caller-chosen job id. A duplicate id
// means an earlier attempt already created the job, which is then adopted.
func (b *BigQuery) Submit(ctx context.Context, spec domain.JobSpec) (domain.JobRef, error) {
	params, err := queryParameters(spec.Params)
	if err != nil {
		return domain.JobRef{}, err
	}
	location := spec.Location
	if location == "" {
		location = b.location
	}

	legacy := false
	useCache := spec.UseCache
	job := &bigquery.Job{
		JobReference: &bigquery.JobReference{
			ProjectId: spec.ProjectID,
			JobId:     spec.JobID,
			Location:  location,
		},
		Configuration: &bigquery.JobConfiguration{
			DryRun: spec.DryRun,
			Labels: map[string]string{"source": "bq-gateway"},
			Query: &bigquery.JobConfigurationQuery{
				Query:           spec.SQL,
				UseLegacySql:    &legacy,
				UseQueryCache:   &useCache,
				QueryParameters: params,
			},
		},
	}
	if len(params) > 0 {
		job.Configuration.Query.ParameterMode = "NAMED"
	}

	ref := domain.JobRef{JobID: spec.JobID, ProjectID: spec.ProjectID, Location: location}
	created, err := b.svc.Jobs.Insert(spec.ProjectID, job).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
			b.logger.DebugContext(ctx, "adopting existing job", "job_id", spec.JobID)
			return ref, nil
		}
		return domain.JobRef{}, classifyAPIError(err)
	}
	if created.JobReference != nil && created.JobReference.Location != "" {
		ref.Location = created.JobReference.Location
	}
	if created.Status != nil && created.Status.ErrorResult != nil {
		return ref, classifyErrorProto(created.Status.ErrorResult)
	}
	if spec.DryRun {
		stats := jobStats(created.Statistics)
		ref.Stats = &stats
	}
	return ref, nil
}

// Poll fetches the job's state.
func (b *BigQuery) Poll(ctx context.Context, ref domain.JobRef) (domain.JobStatus, error) {
	job, err := b.svc.Jobs.Get(ref.ProjectID, ref.JobID).Location(ref.Location).Context(ctx).Do()
	if err != nil {
		return domain.JobStatus{}, classifyAPIError(err)
	}
	if job.Status == nil || job.Status.State != "DONE" {
		return domain.JobStatus{}, nil
	}
	if job.Status.ErrorResult != nil {
		return domain.JobStatus{Done: true, Err: classifyErrorProto(job.Status.ErrorResult)}, nil
	}
	return domain.JobStatus{Done: true, Stats: jobStats(job.Statistics)}, nil
}

func jobStats(s *bigquery.JobStatistics) domain.JobStats {
	if s == nil {
		return domain.JobStats{}
	}
	stats := domain.JobStats{BytesProcessed: s.TotalBytesProcessed}
	if s.Query != nil {
		stats.CacheHit = s.Query.CacheHit
		if s.Query.TotalBytesProcessed > stats.BytesProcessed {
			stats.BytesProcessed = s.Query.TotalBytesProcessed
		}
	}
	return stats
}

// Cancel requests cancellation. BigQuery may still finish the job.
func (b *BigQuery) Cancel(ctx context.Context, ref domain.JobRef) error {
	if _, err := b.svc.Jobs.Cancel(ref.ProjectID, ref.JobID).Location(ref.Location).Context(ctx).Do(); err != nil {
		return classifyAPIError(err)
	}
	return nil
}

// Results returns a pager over a finished job's rows.
func (b *BigQuery) Results(_ context.Context, ref domain.JobRef, pageSize int) (domain.ResultPager, error) {
	return &bigQueryPager{svc: b.svc, ref: ref, pageSize: int64(pageSize)}, nil
}

// Ping dry-runs a trivial query, which checks credentials and the project's
// BigQuery access without running a job.
func (b *BigQuery) Ping(ctx context.Context, projectID string) error {
	legacy := false
	job := &bigquery.Job{
		Configuration: &bigquery.JobConfiguration{
			DryRun: true,
			Query:  &bigquery.JobConfigurationQuery{Query: "SELECT 1", UseLegacySql: &legacy},
		},
		JobReference: &bigquery.JobReference{ProjectId: projectID, Location: b.location},
	}
	if _, err := b.svc.Jobs.Insert(projectID, job).Context(ctx).Do(); err != nil {
		return classifyAPIError(err)
	}
	return nil
}

// ListDatasets lists every dataset in projectID.
func (b *BigQuery) ListDatasets(ctx context.Context, projectID string) ([]domain.DatasetInfo, error) {
	var out []domain.DatasetInfo
	err := b.svc.Datasets.List(projectID).Pages(ctx, func(page *bigquery.DatasetList) error {
		for _, ds := range page.Datasets {
			if ds.DatasetReference == nil {
				continue
			}
			out = append(out, domain.DatasetInfo{
				DatasetID: ds.DatasetReference.DatasetId,
				ProjectID: ds.DatasetReference.ProjectId,
				Location:  ds.Location,
			})
		}
		return nil
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}
	return out, nil
}

// ListTables lists every table in a dataset. Row counts, sizes and
// timestamps come from one tables.get per table; a table whose metadata
// cannot be read is listed without them.
func (b *BigQuery) ListTables(ctx context.Context, projectID, datasetID string) ([]domain.TableInfo, error) {
	var out []domain.TableInfo
	err := b.svc.Tables.List(projectID, datasetID).Pages(ctx, func(page *bigquery.TableList) error {
		for _, t := range page.Tables {
			if t.TableReference == nil {
				continue
			}
			out = append(out, domain.TableInfo{
				TableID:   t.TableReference.TableId,
				DatasetID: t.TableReference.DatasetId,
				ProjectID: t.TableReference.ProjectId,
				TableType: t.Type,
			})
		}
		return nil
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tableMetaFetches)
	for i := range out {
		info := &out[i]
		g.Go(func() error {
			t, err := b.svc.Tables.Get(info.ProjectID, info.DatasetID, info.TableID).
				Fields("type", "numRows", "numBytes", "creationTime", "lastModifiedTime").
				Context(gctx).Do()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				b.logger.DebugContext(ctx, "table metadata unavailable", "table", info.TableID, "error", err)
				return nil
			}
			tableMeta(t, info)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// TableSchema fetches a table's schema and metadata with tables.get.
func (b *BigQuery) TableSchema(ctx context.Context, projectID, datasetID, tableID string) (*domain.TableSchema, error) {
	t, err := b.svc.Tables.Get(projectID, datasetID, tableID).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, domain.ErrNotFound("table %s.%s not found in project %s", datasetID, tableID, projectID)
		}
		return nil, classifyAPIError(err)
	}
	out := &domain.TableSchema{
		TableInfo: domain.TableInfo{TableID: tableID, DatasetID: datasetID, ProjectID: projectID},
		Fields:    []domain.FieldInfo{},
	}
	tableMeta(t, &out.TableInfo)
	if t.Schema != nil {
		out.Fields = fieldInfos(t.Schema.Fields)
	}
	return out, nil
}

// tableMeta copies what tables.get reports about t into info. Views carry no
// row count or size.
func tableMeta(t *bigquery.Table, info *domain.TableInfo) {
	if t.Type != "" {
		info.TableType = t.Type
	}
	if t.Type != "VIEW" {
		rows, size := int64(t.NumRows), t.NumBytes
		info.NumRows, info.NumBytes = &rows, &size
	}
	if t.CreationTime > 0 {
		created := time.UnixMilli(t.CreationTime).UTC()
		info.Created = &created
	}
	if t.LastModifiedTime > 0 {
		modified := time.UnixMilli(int64(t.LastModifiedTime)).UTC()
		info.Modified = &modified
	}
}

func fieldInfos(fields []*bigquery.TableFieldSchema) []domain.FieldInfo {
	out := make([]domain.FieldInfo, 0, len(fields))
	for _, f := range fields {
		mode := f.Mode
		if mode == "" {
			mode = "NULLABLE"
		}
		fi := domain.FieldInfo{Name: f.Name, Type: f.Type, Mode: mode, Description: f.Description}
		if len(f.Fields) > 0 {
			fi.Fields = fieldInfos(f.Fields)
		}
		out = append(out, fi)
	}
	return out
}

// bigQueryPager walks jobs.getQueryResults pages.
type bigQueryPager struct {
	svc      *bigquery.Service
	ref      domain.JobRef
	pageSize int64
	token    string
	done     bool
}

func (p *bigQueryPager) NextPage(ctx context.Context) (*domain.ResultPage, error) {
	if p.done {
		return &domain.ResultPage{Last: true}, nil
	}

	call := p.svc.Jobs.GetQueryResults(p.ref.ProjectID, p.ref.JobID).
		Location(p.ref.Location).
		Context(ctx)
	if p.pageSize > 0 {
		call = call.MaxResults(p.pageSize)
	}
	if p.token != "" {
		call = call.PageToken(p.token)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classifyAPIError(err)
	}
	if !resp.JobComplete {
		return nil, domain.ErrExec(domain.ExecUnavailable, "job %s is not complete", p.ref.JobID)
	}

	var fields []*bigquery.TableFieldSchema
	if resp.Schema != nil {
		fields = resp.Schema.Fields
	}
	page := &domain.ResultPage{
		Columns:   columnNames(fields),
		Rows:      make([]domain.Row, 0, len(resp.Rows)),
		TotalRows: int64(resp.TotalRows),
	}
	for _, r := range resp.Rows {
		page.Rows = append(page.Rows, convertRow(fields, r))
	}

	p.token = resp.PageToken
	if p.token == "" {
		p.done = true
		page.Last = true
	}
	return page, nil
}
