package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"

	"bq-gateway/internal/domain"
	"bq-gateway/internal/sqlguard"
)

// duckJob is a query running in its own goroutine.
type duckJob struct {
	cancel  context.CancelFunc
	done    chan struct{}
	columns []string
	rows    []domain.Row
	err     error
}

// DuckDB runs jobs against a local DuckDB database. It is a development
// stand-in for BigQuery: schemas play the role of datasets and the project
// id is ignored.
type DuckDB struct {
	db     *sql.DB
	jobs   sync.Map // map[string]*duckJob
	logger *slog.Logger
}

var _ domain.Warehouse = (*DuckDB)(nil)

// OpenDuckDB opens the database at path; an empty path is in-memory.
func OpenDuckDB(path string, logger *slog.Logger) (*DuckDB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return NewDuckDB(db, logger), nil
}

// NewDuckDB wraps an open DuckDB handle.
func NewDuckDB(db *sql.DB, logger *slog.Logger) *DuckDB {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuckDB{db: db, logger: logger.With("component", "duckdb")}
}

// DB returns the underlying handle, e.g. for seeding fixtures.
func (d *DuckDB) DB() *sql.DB { return d.db }

// Close closes the database.
func (d *DuckDB) Close() error { return d.db.Close() }

// Submit starts the query in the background. A dry run only prepares the
// statement, which binds every table and column it references.
func (d *DuckDB) Submit(ctx context.Context, spec domain.JobSpec) (domain.JobRef, error) {
	query, err := duckDialect(spec.SQL)
	if err != nil {
		return domain.JobRef{}, domain.WrapExec(domain.ExecInvalidQuery, err)
	}
	if err := sqlguard.DuckDB.Check(query); err != nil {
		return domain.JobRef{}, domain.WrapExec(domain.ExecUnscoped, err)
	}
	if spec.DryRun {
		stmt, err := d.db.PrepareContext(ctx, query)
		if err != nil {
			return domain.JobRef{}, classifyDuckError(err)
		}
		_ = stmt.Close()
		return domain.JobRef{JobID: spec.JobID, ProjectID: spec.ProjectID, Location: spec.Location, Stats: &domain.JobStats{}}, nil
	}
	args := make([]interface{}, 0, len(spec.Params))
	for name, v := range spec.Params {
		args = append(args, sql.Named(name, duckArg(v)))
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	job := &duckJob{cancel: cancel, done: make(chan struct{})}
	if _, loaded := d.jobs.LoadOrStore(spec.JobID, job); loaded {
		cancel()
		return domain.JobRef{}, domain.ErrExec(domain.ExecInvalidQuery, "job %s already exists", spec.JobID)
	}

	go func() {
		defer close(job.done)
		defer cancel()
		job.columns, job.rows, job.err = d.run(jobCtx, query, args, spec.MaxRows)
	}()

	return domain.JobRef{JobID: spec.JobID, ProjectID: spec.ProjectID, Location: spec.Location}, nil
}

// duckDialect rewrites GoogleSQL spellings DuckDB does not accept: @name
// parameters become $name, and `project.dataset.table` becomes
// "dataset"."table".
func duckDialect(sql string) (string, error) {
	return sqlguard.DuckDB.Rewrite(sql, func(tok sqlguard.Token) (string, bool) {
		switch {
		case tok.Type == sqlguard.TokenParam && strings.HasPrefix(tok.Raw, "@"):
			return "$" + tok.Literal, true
		case tok.Type == sqlguard.TokenQuotedIdent:
			parts := strings.Split(tok.Literal, ".")
			if len(parts) == 3 {
				parts = parts[1:]
			}
			for i, p := range parts {
				parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
			}
			return strings.Join(parts, "."), true
		}
		return "", false
	})
}

func (d *DuckDB) run(ctx context.Context, query string, args []interface{}, maxRows int) ([]string, []domain.Row, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out []domain.Row
	for rows.Next() {
		if maxRows > 0 && len(out) >= maxRows {
			break
		}
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make(domain.Row, len(cols))
		for i, v := range vals {
			row[cols[i]] = duckValue(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return cols, out, nil
}

// duckArg unwraps JSON numbers, which the driver would otherwise bind as
// strings.
func duckArg(v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// duckValue converts driver values into JSON-friendly ones.
func duckValue(v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case duckdb.UUID:
		return uuid.UUID(x).String()
	case duckdb.Decimal:
		return x.Float64()
	case *big.Int:
		return x.String()
	}
	return v
}

// Poll reports whether the job has finished.
func (d *DuckDB) Poll(_ context.Context, ref domain.JobRef) (domain.JobStatus, error) {
	job, err := d.job(ref)
	if err != nil {
		return domain.JobStatus{}, err
	}
	select {
	case <-job.done:
		if job.err != nil {
			d.jobs.Delete(ref.JobID)
			return domain.JobStatus{Done: true, Err: classifyDuckError(job.err)}, nil
		}
		return domain.JobStatus{Done: true}, nil
	default:
		return domain.JobStatus{}, nil
	}
}

// Cancel interrupts the running query and forgets the job.
func (d *DuckDB) Cancel(_ context.Context, ref domain.JobRef) error {
	v, ok := d.jobs.LoadAndDelete(ref.JobID)
	if !ok {
		return nil
	}
	v.(*duckJob).cancel()
	return nil
}

// Results hands out the finished job's rows. The job is forgotten once its
// results are taken.
func (d *DuckDB) Results(_ context.Context, ref domain.JobRef, pageSize int) (domain.ResultPager, error) {
	job, err := d.job(ref)
	if err != nil {
		return nil, err
	}
	select {
	case <-job.done:
	default:
		return nil, domain.ErrExec(domain.ExecUnavailable, "job %s is not complete", ref.JobID)
	}
	d.jobs.Delete(ref.JobID)
	if job.err != nil {
		return nil, classifyDuckError(job.err)
	}
	return &slicePager{columns: job.columns, rows: job.rows, pageSize: pageSize}, nil
}

// Ping checks the database connection.
func (d *DuckDB) Ping(ctx context.Context, _ string) error {
	if err := d.db.PingContext(ctx); err != nil {
		return domain.WrapExec(domain.ExecUnavailable, err)
	}
	return nil
}

// ListDatasets lists the schemas of the current database.
func (d *DuckDB) ListDatasets(ctx context.Context, projectID string) ([]domain.DatasetInfo, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT schema_name FROM information_schema.schemata
		 WHERE catalog_name = current_database() ORDER BY schema_name`)
	if err != nil {
		return nil, classifyDuckError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.DatasetInfo
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classifyDuckError(err)
		}
		out = append(out, domain.DatasetInfo{DatasetID: name, ProjectID: projectID})
	}
	if err := rows.Err(); err != nil {
		return nil, classifyDuckError(err)
	}
	return out, nil
}

// ListTables lists tables and views in a schema. Row counts are DuckDB's
// estimates; views have none.
func (d *DuckDB) ListTables(ctx context.Context, projectID, datasetID string) ([]domain.TableInfo, error) {
	return d.tables(ctx, projectID, datasetID, "")
}

const duckTablesQuery = `SELECT t.table_name, t.table_type, dt.estimated_size
	FROM information_schema.tables t
	LEFT JOIN duckdb_tables() dt
	  ON dt.database_name = t.table_catalog AND dt.schema_name = t.table_schema AND dt.table_name = t.table_name
	WHERE t.table_catalog = current_database() AND t.table_schema = ?`

// tables lists the schema's tables, or only tableID when it is set.
func (d *DuckDB) tables(ctx context.Context, projectID, datasetID, tableID string) ([]domain.TableInfo, error) {
	q, args := duckTablesQuery, []interface{}{datasetID}
	if tableID != "" {
		q += " AND t.table_name = ?"
		args = append(args, tableID)
	}
	rows, err := d.db.QueryContext(ctx, q+" ORDER BY t.table_name", args...)
	if err != nil {
		return nil, classifyDuckError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.TableInfo
	for rows.Next() {
		var (
			name, typ string
			size      sql.NullInt64
		)
		if err := rows.Scan(&name, &typ, &size); err != nil {
			return nil, classifyDuckError(err)
		}
		info := domain.TableInfo{TableID: name, DatasetID: datasetID, ProjectID: projectID, TableType: typ}
		if size.Valid {
			n := size.Int64
			info.NumRows = &n
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyDuckError(err)
	}
	return out, nil
}

// TableSchema reads a table's columns from information_schema.columns.
func (d *DuckDB) TableSchema(ctx context.Context, projectID, datasetID, tableID string) (*domain.TableSchema, error) {
	infos, err := d.tables(ctx, projectID, datasetID, tableID)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, domain.ErrNotFound("table %s.%s not found in project %s", datasetID, tableID, projectID)
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT column_name, data_type, is_nullable FROM information_schema.columns
		 WHERE table_catalog = current_database() AND table_schema = ? AND table_name = ?
		 ORDER BY ordinal_position`, datasetID, tableID)
	if err != nil {
		return nil, classifyDuckError(err)
	}
	defer rows.Close() //nolint:errcheck

	out := &domain.TableSchema{TableInfo: infos[0], Fields: []domain.FieldInfo{}}
	for rows.Next() {
		var name, typ, nullable string
		if err := rows.Scan(&name, &typ, &nullable); err != nil {
			return nil, classifyDuckError(err)
		}
		mode := "NULLABLE"
		if nullable == "NO" {
			mode = "REQUIRED"
		}
		out.Fields = append(out.Fields, domain.FieldInfo{Name: name, Type: typ, Mode: mode})
	}
	if err := rows.Err(); err != nil {
		return nil, classifyDuckError(err)
	}
	return out, nil
}

func (d *DuckDB) job(ref domain.JobRef) (*duckJob, error) {
	v, ok := d.jobs.Load(ref.JobID)
	if !ok {
		return nil, domain.ErrExec(domain.ExecUnavailable, "job %s not found", ref.JobID)
	}
	return v.(*duckJob), nil
}

// classifyDuckError maps driver errors onto ExecErrors. DuckDB reports bad
// SQL, unknown tables and bad parameters through the same error type.
func classifyDuckError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var dErr *duckdb.Error
	if errors.As(err, &dErr) {
		switch dErr.Type {
		case duckdb.ErrorTypeInterrupt, duckdb.ErrorTypeConnection, duckdb.ErrorTypeIO,
			duckdb.ErrorTypeOutOfMemory, duckdb.ErrorTypeInternal, duckdb.ErrorTypeFatal:
			return domain.WrapExec(domain.ExecUnavailable, err)
		case duckdb.ErrorTypePermission:
			return domain.WrapExec(domain.ExecPermissionDenied, err)
		default:
			return domain.WrapExec(domain.ExecInvalidQuery, err)
		}
	}
	return domain.WrapExec(domain.ExecInvalidQuery, err)
}

// slicePager pages through materialized rows.
type slicePager struct {
	columns  []string
	rows     []domain.Row
	pageSize int
	offset   int
}

func (p *slicePager) NextPage(_ context.Context) (*domain.ResultPage, error) {
	end := len(p.rows)
	if p.pageSize > 0 && p.offset+p.pageSize < end {
		end = p.offset + p.pageSize
	}
	page := &domain.ResultPage{
		Columns:   p.columns,
		Rows:      p.rows[p.offset:end],
		TotalRows: int64(len(p.rows)),
		Last:      end == len(p.rows),
	}
	p.offset = end
	return page, nil
}
