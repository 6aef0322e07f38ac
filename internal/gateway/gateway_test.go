package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bq-gateway/internal/domain"
	"bq-gateway/internal/service/cache"
	"bq-gateway/internal/service/query"
	"bq-gateway/internal/service/ratelimit"
	"bq-gateway/internal/service/tenant"
)

type fakeVerifier struct {
	callers map[string]*domain.Caller
}

func (v *fakeVerifier) Verify(_ context.Context, token string) (*domain.Caller, error) {
	if token == "" {
		return nil, domain.ErrAuth(domain.AuthMalformed, errors.New("empty token"))
	}
	c, ok := v.callers[token]
	if !ok {
		return nil, domain.ErrAuth(domain.AuthInvalidSignature, errors.New("unknown token"))
	}
	return c, nil
}

func (v *fakeVerifier) Ready(context.Context) error { return nil }

// fakeWarehouse finishes every job at once unless gate is set, in which case
// Submit blocks until gate is closed or ctx ends.
type fakeWarehouse struct {
	mu        sync.Mutex
	specs     []domain.JobSpec
	callers   []*domain.Caller
	gate      chan struct{}
	entered   chan struct{}
	submitErr error
	datasets  []domain.DatasetInfo
	tables    []domain.TableInfo
	schema    *domain.TableSchema
	cancels   int
}

func (f *fakeWarehouse) Submit(ctx context.Context, spec domain.JobSpec) (domain.JobRef, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	c, _ := domain.CallerFromContext(ctx)
	f.callers = append(f.callers, c)
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.JobRef{}, ctx.Err()
		}
	}
	if f.submitErr != nil {
		return domain.JobRef{}, f.submitErr
	}
	ref := domain.JobRef{JobID: spec.JobID, ProjectID: spec.ProjectID}
	if spec.DryRun {
		ref.Stats = &domain.JobStats{BytesProcessed: 4096}
	}
	return ref, nil
}

func (f *fakeWarehouse) Poll(context.Context, domain.JobRef) (domain.JobStatus, error) {
	return domain.JobStatus{Done: true}, nil
}

func (f *fakeWarehouse) Cancel(context.Context, domain.JobRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeWarehouse) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeWarehouse) Results(context.Context, domain.JobRef, int) (domain.ResultPager, error) {
	return &onePager{}, nil
}

func (f *fakeWarehouse) Ping(context.Context, string) error { return nil }

func (f *fakeWarehouse) ListDatasets(context.Context, string) ([]domain.DatasetInfo, error) {
	return f.datasets, nil
}

func (f *fakeWarehouse) ListTables(context.Context, string, string) ([]domain.TableInfo, error) {
	return f.tables, nil
}

func (f *fakeWarehouse) TableSchema(_ context.Context, project, dataset, table string) (*domain.TableSchema, error) {
	if f.schema == nil || f.schema.DatasetID != dataset || f.schema.TableID != table {
		return nil, domain.ErrNotFound("table %s.%s not found in project %s", dataset, table, project)
	}
	return f.schema, nil
}

func (f *fakeWarehouse) submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

type onePager struct{ done bool }

func (p *onePager) NextPage(context.Context) (*domain.ResultPage, error) {
	if p.done {
		return &domain.ResultPage{Last: true}, nil
	}
	p.done = true
	return &domain.ResultPage{
		Columns:   []string{"f0_"},
		Rows:      []domain.Row{{"f0_": int64(1)}},
		TotalRows: 1,
		Last:      true,
	}, nil
}

const (
	adminToken = "admin"
	userToken  = "user"
)

type harness struct {
	gw    *Gateway
	wh    *fakeWarehouse
	store *cache.MemoryStore
}

func newHarness(t *testing.T, limit int) *harness {
	t.Helper()
	wh := &fakeWarehouse{}
	store := cache.NewMemoryStore(time.Minute, time.Minute)
	verifier := &fakeVerifier{callers: map[string]*domain.Caller{
		adminToken: domain.NewCaller("admin-1", "ana@be-luma.com", true),
		userToken:  domain.NewCaller("user-1", "bo@partner.io", true),
	}}
	gw := New(Deps{
		Verifier:   verifier,
		Authorizer: tenant.NewAuthorizer("gama-454419", []string{"gama-454419", "beta-1"}, []string{"be-luma.com"}),
		Limiter:    ratelimit.NewLimiter(ratelimit.NewMemoryStore(), limit, time.Minute, nil),
		Cache:      cache.New(store, nil, nil),
		Executor: query.NewExecutor(wh, query.Config{
			Timeout: 5 * time.Second, MaxResults: 100, PollMin: time.Millisecond, PollMax: time.Millisecond,
		}, nil, nil),
		Warehouse: wh,
	}, Config{CacheTTL: time.Minute})
	return &harness{gw: gw, wh: wh, store: store}
}

func selectOne(project string) domain.QueryRequest {
	return domain.QueryRequest{SQL: "SELECT 1", ProjectID: project, UseCache: true}
}

func TestHandle_MissThenHit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	ctx := context.Background()

	first, err := h.gw.Handle(ctx, adminToken, selectOne("gama-454419"))
	require.NoError(t, err)
	assert.Equal(t, StageResponded, first.Stage)
	assert.False(t, first.Cached)
	assert.Equal(t, []domain.Row{{"f0_": int64(1)}}, first.Result.Rows)
	assert.False(t, first.Result.Truncated)
	assert.NotEmpty(t, first.Result.JobID)
	require.NotNil(t, first.RateLimit)
	assert.Equal(t, 99, first.RateLimit.Remaining)

	second, err := h.gw.Handle(ctx, adminToken, domain.QueryRequest{SQL: "select   1 -- again", ProjectID: "gama-454419", UseCache: true})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.True(t, second.Result.Cached)
	assert.Equal(t, first.Result.Rows, second.Result.Rows)
	assert.Equal(t, "gama-454419", second.Result.ProjectID)
	assert.Equal(t, 1, h.wh.submits(), "cache hit must not reach the warehouse")
	assert.Equal(t, 98, second.RateLimit.Remaining, "cache hits still count against the limit")
}

func TestHandle_CallerInContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)

	_, err := h.gw.Handle(context.Background(), userToken, selectOne(""))
	require.NoError(t, err)
	require.Len(t, h.wh.callers, 1)
	require.NotNil(t, h.wh.callers[0])
	assert.Equal(t, "user-1", h.wh.callers[0].Subject)
	assert.Equal(t, "gama-454419", h.wh.specs[0].ProjectID, "empty project resolves to the default")
}

func TestHandle_UseCacheFalse(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	ctx := context.Background()
	req := selectOne("gama-454419")
	req.UseCache = false

	for range 2 {
		resp, err := h.gw.Handle(ctx, adminToken, req)
		require.NoError(t, err)
		assert.False(t, resp.Cached)
	}
	assert.Equal(t, 2, h.wh.submits())
	assert.Equal(t, 1, h.store.Len(), "uncached runs still store their result")

	resp, err := h.gw.Handle(ctx, adminToken, selectOne("gama-454419"))
	require.NoError(t, err)
	assert.True(t, resp.Cached)
}

func TestHandle_RowCapPartitionsCache(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	ctx := context.Background()

	small := selectOne("gama-454419")
	small.MaxRows = 1
	_, err := h.gw.Handle(ctx, adminToken, small)
	require.NoError(t, err)

	resp, err := h.gw.Handle(ctx, adminToken, selectOne("gama-454419"))
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, h.wh.submits())
}

func TestHandle_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		token     string
		req       domain.QueryRequest
		wantStage Stage
		check     func(t *testing.T, err error)
	}{
		{
			name: "missing token", token: "", req: selectOne("gama-454419"), wantStage: StageReceived,
			check: func(t *testing.T, err error) {
				var authErr *domain.AuthError
				require.ErrorAs(t, err, &authErr)
				assert.Equal(t, domain.AuthMalformed, authErr.Kind)
			},
		},
		{
			name: "bad token", token: "forged", req: selectOne("gama-454419"), wantStage: StageReceived,
			check: func(t *testing.T, err error) {
				var authErr *domain.AuthError
				require.ErrorAs(t, err, &authErr)
				assert.Equal(t, domain.AuthInvalidSignature, authErr.Kind)
			},
		},
		{
			name: "project not accessible", token: userToken, req: selectOne("secret-project"), wantStage: StageVerified,
			check: func(t *testing.T, err error) {
				var authzErr *domain.AuthzError
				require.ErrorAs(t, err, &authzErr)
				assert.Equal(t, domain.AuthzProjectNotAccessible, authzErr.Kind)
				assert.Equal(t, "secret-project", authzErr.Project)
			},
		},
		{
			name: "mutating sql", token: adminToken,
			req:       domain.QueryRequest{SQL: "DELETE FROM t WHERE 1 = 1", ProjectID: "gama-454419", UseCache: true},
			wantStage: StageExecuting,
			check: func(t *testing.T, err error) {
				assert.True(t, domain.IsExecKind(err, domain.ExecUnscoped), "got %v", err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 100)
			resp, err := h.gw.Handle(context.Background(), tt.token, tt.req)
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, tt.wantStage, resp.Stage)
			assert.Zero(t, h.wh.submits())
		})
	}
}

func TestHandle_SuperAdminAnyProject(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)

	resp, err := h.gw.Handle(context.Background(), adminToken, selectOne("unlisted-proj"))
	require.NoError(t, err)
	assert.True(t, resp.Scope.IsSuperAdmin)
	assert.Equal(t, "unlisted-proj", resp.Result.ProjectID)
}

func TestHandle_RateLimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	ctx := context.Background()

	for range 2 {
		_, err := h.gw.Handle(ctx, userToken, selectOne("gama-454419"))
		require.NoError(t, err)
	}
	resp, err := h.gw.Handle(ctx, userToken, selectOne("gama-454419"))
	var rlErr *domain.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, 2, rlErr.Limit)
	assert.Positive(t, rlErr.RetryAfter)
	assert.Equal(t, StageAuthorized, resp.Stage)
	require.NotNil(t, resp.RateLimit)
	assert.Zero(t, resp.RateLimit.Remaining)

	// Another caller has its own budget.
	_, err = h.gw.Handle(ctx, adminToken, selectOne("gama-454419"))
	assert.NoError(t, err)
}

func TestHandle_ConcurrentMissesShareOneExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	h.wh.gate = make(chan struct{})

	const callers = 5
	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.gw.Handle(context.Background(), adminToken, selectOne("gama-454419")); err != nil {
				failed.Add(1)
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(h.wh.gate)
	wg.Wait()

	assert.Zero(t, failed.Load())
	assert.Equal(t, 1, h.wh.submits())
}

func TestHandle_WaiterRetriesWhenLeaderCancelled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	h.wh.gate = make(chan struct{})
	h.wh.entered = make(chan struct{}, 1)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := h.gw.Handle(leaderCtx, adminToken, selectOne("gama-454419"))
		leaderErr <- err
	}()
	<-h.wh.entered

	waiterResp := make(chan *Response, 1)
	waiterErr := make(chan error, 1)
	go func() {
		resp, err := h.gw.Handle(context.Background(), adminToken, selectOne("gama-454419"))
		waiterResp <- resp
		waiterErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	close(h.wh.gate)

	require.NoError(t, <-waiterErr)
	resp := <-waiterResp
	assert.Equal(t, []domain.Row{{"f0_": int64(1)}}, resp.Result.Rows)
	assert.Equal(t, 2, h.wh.submits())
}

func TestPreview(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	ctx := context.Background()

	resp, err := h.gw.Preview(ctx, userToken, "", "sales", "orders", 5)
	require.NoError(t, err)
	assert.Equal(t, StageResponded, resp.Stage)
	require.Len(t, h.wh.specs, 1)
	assert.Equal(t, "SELECT * FROM `gama-454419.sales.orders` LIMIT 5", h.wh.specs[0].SQL)
	assert.Equal(t, 6, h.wh.specs[0].MaxRows)

	again, err := h.gw.Preview(ctx, userToken, "", "sales", "orders", 5)
	require.NoError(t, err)
	assert.True(t, again.Cached)

	for _, tc := range []struct {
		dataset, table string
		limit          int
	}{
		{"sales", "orders", 0},
		{"sales", "orders", 101},
		{"sales`; DROP", "orders", 5},
		{"sales", "a.b", 5},
	} {
		_, err := h.gw.Preview(ctx, userToken, "", tc.dataset, tc.table, tc.limit)
		var vErr *domain.ValidationError
		assert.ErrorAs(t, err, &vErr, "%+v", tc)
	}
	assert.Len(t, h.wh.specs, 1)
}

func TestListDatasetsAndTables(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	h.wh.datasets = []domain.DatasetInfo{{DatasetID: "sales", ProjectID: "gama-454419"}}
	h.wh.tables = []domain.TableInfo{{TableID: "orders", DatasetID: "sales", ProjectID: "gama-454419"}}
	ctx := context.Background()

	resp, datasets, err := h.gw.ListDatasets(ctx, userToken, "gama-454419")
	require.NoError(t, err)
	assert.Equal(t, h.wh.datasets, datasets)
	assert.Equal(t, 99, resp.RateLimit.Remaining)

	_, tables, err := h.gw.ListTables(ctx, userToken, "", "sales")
	require.NoError(t, err)
	assert.Equal(t, h.wh.tables, tables)

	_, _, err = h.gw.ListDatasets(ctx, userToken, "secret-project")
	var authzErr *domain.AuthzError
	assert.ErrorAs(t, err, &authzErr)

	_, _, err = h.gw.ListTables(ctx, "", "", "sales")
	var authErr *domain.AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestHandle_WaiterOutlivesLeaderTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	h.wh.gate = make(chan struct{})
	h.wh.entered = make(chan struct{}, 1)

	impatient := selectOne("gama-454419")
	impatient.Timeout = 150 * time.Millisecond
	leaderErr := make(chan error, 1)
	go func() {
		_, err := h.gw.Handle(context.Background(), adminToken, impatient)
		leaderErr <- err
	}()
	<-h.wh.entered

	waiterErr := make(chan error, 1)
	go func() {
		_, err := h.gw.Handle(context.Background(), adminToken, selectOne("gama-454419"))
		waiterErr <- err
	}()

	err := <-leaderErr
	assert.True(t, domain.IsExecKind(err, domain.ExecTimeout), "got %v", err)
	// The timed-out job is cancelled before the gate opens, so only a second
	// execution can succeed.
	require.Eventually(t, func() bool { return h.wh.cancelCount() == 1 }, 2*time.Second, time.Millisecond)
	close(h.wh.gate)

	require.NoError(t, <-waiterErr, "the waiter has its own, longer budget")
	assert.Equal(t, 2, h.wh.submits())
}

func TestHandle_WaiterStopsAtItsOwnTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	h.wh.gate = make(chan struct{})
	h.wh.entered = make(chan struct{}, 1)

	leaderErr := make(chan error, 1)
	go func() {
		_, err := h.gw.Handle(context.Background(), adminToken, selectOne("gama-454419"))
		leaderErr <- err
	}()
	<-h.wh.entered

	impatient := selectOne("gama-454419")
	impatient.Timeout = 50 * time.Millisecond
	start := time.Now()
	_, err := h.gw.Handle(context.Background(), adminToken, impatient)
	assert.True(t, domain.IsExecKind(err, domain.ExecTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)

	close(h.wh.gate)
	require.NoError(t, <-leaderErr, "a departing waiter does not cancel the leader")
	assert.Equal(t, 1, h.wh.submits())
}

func TestHandle_DryRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	ctx := context.Background()
	req := selectOne("gama-454419")
	req.DryRun = true

	for range 2 {
		resp, err := h.gw.Handle(ctx, adminToken, req)
		require.NoError(t, err)
		assert.False(t, resp.Cached)
		assert.True(t, resp.Result.DryRun)
		assert.Empty(t, resp.Result.Rows)
		assert.Equal(t, int64(4096), resp.Result.BytesProcessed)
	}
	assert.Equal(t, 2, h.wh.submits(), "dry runs bypass the result cache")
	assert.Zero(t, h.store.Len())

	// A real run afterwards is not answered by a dry run.
	resp, err := h.gw.Handle(ctx, adminToken, selectOne("gama-454419"))
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.False(t, resp.Result.DryRun)
	assert.Len(t, resp.Result.Rows, 1)
}

func TestHandle_ReportsExecutionTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)

	resp, err := h.gw.Handle(context.Background(), adminToken, selectOne("gama-454419"))
	require.NoError(t, err)
	assert.Positive(t, resp.Result.ExecutionTime)

	hit, err := h.gw.Handle(context.Background(), adminToken, selectOne("gama-454419"))
	require.NoError(t, err)
	require.True(t, hit.Cached)
	assert.Positive(t, hit.Result.ExecutionTime)
}

func TestTableSchema(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	rows := int64(3)
	h.wh.schema = &domain.TableSchema{
		TableInfo: domain.TableInfo{TableID: "orders", DatasetID: "sales", ProjectID: "gama-454419", NumRows: &rows},
		Fields:    []domain.FieldInfo{{Name: "id", Type: "INTEGER", Mode: "REQUIRED"}},
	}
	ctx := context.Background()

	resp, schema, err := h.gw.TableSchema(ctx, userToken, "", "sales", "orders")
	require.NoError(t, err)
	assert.Equal(t, StageResponded, resp.Stage)
	assert.Equal(t, h.wh.schema, schema)
	assert.Equal(t, 99, resp.RateLimit.Remaining)

	_, _, err = h.gw.TableSchema(ctx, userToken, "", "sales", "missing")
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)

	_, _, err = h.gw.TableSchema(ctx, userToken, "secret-project", "sales", "orders")
	var authzErr *domain.AuthzError
	assert.ErrorAs(t, err, &authzErr)

	_, _, err = h.gw.TableSchema(ctx, userToken, "", "sales", "a`b")
	var vErr *domain.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestValidationWaitsForVerification(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	ctx := context.Background()

	requireAuthErr := func(t *testing.T, err error) {
		t.Helper()
		var authErr *domain.AuthError
		require.ErrorAs(t, err, &authErr)
	}

	_, _, err := h.gw.ListTables(ctx, "", "", "bad dataset")
	requireAuthErr(t, err)
	_, _, err = h.gw.TableSchema(ctx, "forged", "", "sales", "a.b")
	requireAuthErr(t, err)
	_, err = h.gw.Preview(ctx, "", "", "sales", "orders", 0)
	requireAuthErr(t, err)

	decoded := false
	resp, err := h.gw.HandleDecoded(ctx, "", func() (domain.QueryRequest, error) {
		decoded = true
		return domain.QueryRequest{}, domain.ErrValidation("query is required")
	})
	requireAuthErr(t, err)
	assert.False(t, decoded, "the body is not looked at before the token")
	assert.Equal(t, StageReceived, resp.Stage)

	// With a good token the same request fails validation.
	resp, err = h.gw.HandleDecoded(ctx, userToken, func() (domain.QueryRequest, error) {
		return domain.QueryRequest{}, domain.ErrValidation("query is required")
	})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, StageVerified, resp.Stage)
	assert.Nil(t, resp.RateLimit, "invalid requests are not charged")
}

func TestValidIdent(t *testing.T) {
	t.Parallel()

	assert.True(t, validIdent("orders_2024-q1"))
	assert.True(t, validIdent(strings.Repeat("t", maxIdentLen)))
	assert.False(t, validIdent(strings.Repeat("t", maxIdentLen+1)))
	assert.False(t, validIdent(""))
	for _, bad := range []string{"a.b", "a`b", "a b", "a;b", "ß"} {
		assert.False(t, validIdent(bad), bad)
	}
}
