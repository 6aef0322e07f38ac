// Package gateway runs the per-request pipeline: verify the caller's token,
// authorize the target project, charge the rate limit, then answer from the
// result cache or the warehouse.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"golang.org/x/sync/singleflight"

	"bq-gateway/internal/domain"
	"bq-gateway/internal/metrics"
	"bq-gateway/internal/service/cache"
	"bq-gateway/internal/service/query"
	"bq-gateway/internal/service/ratelimit"
	"bq-gateway/internal/service/tenant"
)

// Stage is a step of the request pipeline. A failed request stops at the
// stage that rejected it.
type Stage string

// Pipeline stages in order.
const (
	StageReceived     Stage = "Received"
	StageVerified     Stage = "Verified"
	StageAuthorized   Stage = "Authorized"
	StageRateLimited  Stage = "RateLimited"
	StageCacheChecked Stage = "CacheChecked"
	StageExecuting    Stage = "Executing"
	StageCacheHit     Stage = "CacheHit"
	StageResponded    Stage = "Responded"
)

// Preview row limits.
const (
	MinPreviewRows     = 1
	MaxPreviewRows     = 100
	DefaultPreviewRows = 10
)

// maxIdentLen is BigQuery's limit on dataset and table ids.
const maxIdentLen = 1024

var identPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validIdent reports whether s can be spliced into a backtick-quoted table
// path verbatim.
func validIdent(s string) bool {
	return len(s) <= maxIdentLen && identPattern.MatchString(s)
}

// Response is the outcome of one gateway call. It is returned even on
// failure; RateLimit is set once the limiter was consulted.
type Response struct {
	Stage     Stage
	Caller    *domain.Caller
	Scope     *domain.TenantScope
	RateLimit *ratelimit.Decision
	Result    *domain.QueryResult
	Cached    bool
}

// Config holds gateway settings.
type Config struct {
	CacheTTL time.Duration
}

// Gateway composes the request pipeline. It is safe for concurrent use.
type Gateway struct {
	verifier   domain.TokenVerifier
	authorizer *tenant.Authorizer
	limiter    *ratelimit.Limiter
	cache      *cache.ResultCache
	executor   *query.Executor
	warehouse  domain.Warehouse
	cfg        Config
	metrics    *metrics.Metrics
	logger     *slog.Logger

	flights singleflight.Group
}

// Deps are the gateway's collaborators.
type Deps struct {
	Verifier   domain.TokenVerifier
	Authorizer *tenant.Authorizer
	Limiter    *ratelimit.Limiter
	Cache      *cache.ResultCache
	Executor   *query.Executor
	Warehouse  domain.Warehouse
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// New creates a Gateway.
func New(d Deps, cfg Config) *Gateway {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		verifier:   d.Verifier,
		authorizer: d.Authorizer,
		limiter:    d.Limiter,
		cache:      d.Cache,
		executor:   d.Executor,
		warehouse:  d.Warehouse,
		cfg:        cfg,
		metrics:    d.Metrics,
		logger:     logger.With("component", "gateway"),
	}
}

// admit runs verification, authorization and rate limiting. prepare runs
// once the token is verified and returns the requested project, or the
// validation error that stops the request; a caller without a valid token
// therefore always sees the authentication failure. The returned context
// carries the verified caller.
func (g *Gateway) admit(ctx context.Context, token string, resp *Response, prepare func() (string, error)) (context.Context, error) {
	resp.Stage = StageReceived

	caller, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return ctx, err
	}
	ctx = domain.WithCaller(ctx, caller)
	resp.Caller = caller
	resp.Stage = StageVerified

	project, err := prepare()
	if err != nil {
		return ctx, err
	}

	scope, err := g.authorizer.Authorize(caller, project)
	if err != nil {
		g.logger.InfoContext(ctx, "request not authorized", "subject", caller.Subject, "project", project, "error", err)
		return ctx, err
	}
	resp.Scope = scope
	resp.Stage = StageAuthorized

	decision, err := g.limiter.TryAcquire(ctx, caller.Subject)
	resp.RateLimit = &decision
	if err != nil {
		g.metrics.RateLimited()
		g.logger.InfoContext(ctx, "rate limit exceeded", "subject", caller.Subject)
		return ctx, err
	}
	resp.Stage = StageRateLimited
	return ctx, nil
}

func projectOf(p string) func() (string, error) {
	return func() (string, error) { return p, nil }
}

// Handle runs a query request through the whole pipeline.
func (g *Gateway) Handle(ctx context.Context, token string, req domain.QueryRequest) (*Response, error) {
	return g.HandleDecoded(ctx, token, func() (domain.QueryRequest, error) { return req, nil })
}

// HandleDecoded is Handle for a request that still has to be decoded. decode
// is called only after the token is verified.
func (g *Gateway) HandleDecoded(ctx context.Context, token string, decode func() (domain.QueryRequest, error)) (*Response, error) {
	resp := &Response{}
	var req domain.QueryRequest
	ctx, err := g.admit(ctx, token, resp, func() (string, error) {
		var err error
		req, err = decode()
		return req.ProjectID, err
	})
	if err != nil {
		return resp, err
	}
	req.ProjectID = resp.Scope.Target
	return g.query(ctx, resp, req)
}

func (g *Gateway) query(ctx context.Context, resp *Response, req domain.QueryRequest) (*Response, error) {
	start := time.Now()
	key := ""
	if !req.DryRun {
		// Unparseable SQL cannot be fingerprinted. The executor rejects it
		// with the precise reason.
		key, _ = g.cacheKey(req)
	}

	if key != "" && req.UseCache {
		entry, ok := g.cache.Get(ctx, key)
		resp.Stage = StageCacheChecked
		if ok {
			resp.Stage = StageCacheHit
			resp.Cached = true
			resp.Result = &domain.QueryResult{
				Columns:       entry.Columns,
				Rows:          entry.Rows,
				Truncated:     entry.Truncated,
				TotalRows:     entry.TotalRows,
				ProjectID:     req.ProjectID,
				Cached:        true,
				ExecutionTime: time.Since(start),
			}
			resp.Stage = StageResponded
			return resp, nil
		}
	}
	resp.Stage = StageExecuting
	var (
		result *domain.QueryResult
		err    error
	)
	if key == "" || !req.UseCache {
		result, err = g.execute(ctx, resp.Scope, req, key)
	} else {
		result, err = g.executeShared(ctx, resp.Scope, req, key)
	}
	if err != nil {
		return resp, err
	}
	// A shared result belongs to every caller that waited on it.
	out := *result
	out.DryRun = req.DryRun
	out.ExecutionTime = time.Since(start)
	resp.Result = &out
	resp.Stage = StageResponded
	return resp, nil
}

// executeShared collapses concurrent misses for the same key onto one
// execution. Each caller waits no longer than its own timeout. A waiter whose
// leader was cancelled, or timed out on a shorter budget, runs again as a new
// leader with what is left of its own.
func (g *Gateway) executeShared(ctx context.Context, scope *domain.TenantScope, req domain.QueryRequest, key string) (*domain.QueryResult, error) {
	timeout := g.executor.Timeout(req.Timeout)
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		own := req
		own.Timeout = time.Until(deadline)
		ch := g.flights.DoChan(key, func() (interface{}, error) {
			return g.execute(ctx, scope, own, key)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, domain.ErrExec(domain.ExecTimeout, "query did not finish within %s", timeout)
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(*domain.QueryResult), nil
			}
			if res.Shared && ctx.Err() == nil && time.Now().Before(deadline) && retryable(res.Err) {
				g.logger.DebugContext(ctx, "shared execution ended early, running again", "error", res.Err)
				continue
			}
			return nil, res.Err
		}
	}
}

// retryable reports whether a shared execution failed for a reason owned by
// its leader rather than by the query.
func retryable(err error) bool {
	return isCanceled(err) || domain.IsExecKind(err, domain.ExecTimeout)
}

func (g *Gateway) execute(ctx context.Context, scope *domain.TenantScope, req domain.QueryRequest, key string) (*domain.QueryResult, error) {
	it, job, err := g.executor.Execute(ctx, scope, req)
	if err != nil {
		return nil, err
	}
	result, err := query.Collect(it, job)
	if err != nil {
		return nil, err
	}
	if job != nil {
		g.logger.DebugContext(ctx, "query executed", "job_id", job.ID, "project", job.ProjectID,
			"rows", len(result.Rows), "truncated", result.Truncated)
	}

	if key != "" {
		g.cache.Put(ctx, key, &domain.CacheEntry{
			Columns:   result.Columns,
			Rows:      result.Rows,
			Truncated: result.Truncated,
			TotalRows: result.TotalRows,
		}, g.cfg.CacheTTL)
	}
	return result, nil
}

// cacheKey is the query fingerprint qualified by the effective row cap, so a
// result truncated for a small cap is never served to a request allowing
// more rows.
func (g *Gateway) cacheKey(req domain.QueryRequest) (string, error) {
	fp, err := cache.Fingerprint(req.ProjectID, req.SQL, req.Params)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", fp, g.executor.RowCap(req.MaxRows)), nil
}

// ListDatasets lists the datasets of the caller's target project.
func (g *Gateway) ListDatasets(ctx context.Context, token, project string) (*Response, []domain.DatasetInfo, error) {
	resp := &Response{}
	ctx, err := g.admit(ctx, token, resp, projectOf(project))
	if err != nil {
		return resp, nil, err
	}
	datasets, err := g.warehouse.ListDatasets(ctx, resp.Scope.Target)
	if err != nil {
		return resp, nil, err
	}
	resp.Stage = StageResponded
	return resp, datasets, nil
}

// ListTables lists the tables of a dataset in the caller's target project.
func (g *Gateway) ListTables(ctx context.Context, token, project, dataset string) (*Response, []domain.TableInfo, error) {
	resp := &Response{}
	ctx, err := g.admit(ctx, token, resp, func() (string, error) {
		if !validIdent(dataset) {
			return "", domain.ErrValidation("invalid dataset id %q", dataset)
		}
		return project, nil
	})
	if err != nil {
		return resp, nil, err
	}
	tables, err := g.warehouse.ListTables(ctx, resp.Scope.Target, dataset)
	if err != nil {
		return resp, nil, err
	}
	resp.Stage = StageResponded
	return resp, tables, nil
}

// TableSchema describes the columns of a table in the caller's target
// project.
func (g *Gateway) TableSchema(ctx context.Context, token, project, dataset, table string) (*Response, *domain.TableSchema, error) {
	resp := &Response{}
	ctx, err := g.admit(ctx, token, resp, func() (string, error) {
		if err := validTable(dataset, table); err != nil {
			return "", err
		}
		return project, nil
	})
	if err != nil {
		return resp, nil, err
	}
	schema, err := g.warehouse.TableSchema(ctx, resp.Scope.Target, dataset, table)
	if err != nil {
		return resp, nil, err
	}
	resp.Stage = StageResponded
	return resp, schema, nil
}

// Preview returns the first limit rows of a table through the query pipeline,
// so previews are cached and capped like any other query.
func (g *Gateway) Preview(ctx context.Context, token, project, dataset, table string, limit int) (*Response, error) {
	resp := &Response{}
	ctx, err := g.admit(ctx, token, resp, func() (string, error) {
		if err := validTable(dataset, table); err != nil {
			return "", err
		}
		if limit < MinPreviewRows || limit > MaxPreviewRows {
			return "", domain.ErrValidation("limit must be between %d and %d", MinPreviewRows, MaxPreviewRows)
		}
		return project, nil
	})
	if err != nil {
		return resp, err
	}
	target := resp.Scope.Target
	if !validIdent(target) {
		return resp, domain.ErrValidation("invalid project id %q", target)
	}
	return g.query(ctx, resp, domain.QueryRequest{
		SQL:       fmt.Sprintf("SELECT * FROM `%s.%s.%s` LIMIT %d", target, dataset, table, limit),
		ProjectID: target,
		MaxRows:   limit,
		UseCache:  true,
	})
}

func validTable(dataset, table string) error {
	if !validIdent(dataset) {
		return domain.ErrValidation("invalid dataset id %q", dataset)
	}
	if !validIdent(table) {
		return domain.ErrValidation("invalid table id %q", table)
	}
	return nil
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
