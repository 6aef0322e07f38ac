// Package api exposes the gateway over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"bq-gateway/internal/domain"
	"bq-gateway/internal/gateway"
	"bq-gateway/internal/middleware"
)

const maxBodyBytes = 1 << 20

// QueryRequest is the JSON body of POST /api/bigquery/query. Timeout is in
// seconds.
type QueryRequest struct {
	Query      string                 `json:"query"`
	ProjectID  string                 `json:"project_id,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Timeout    *float64               `json:"timeout,omitempty"`
	MaxResults *int                   `json:"max_results,omitempty"`
	UseCache   *bool                  `json:"use_cache,omitempty"`
	DryRun     bool                   `json:"dry_run,omitempty"`
}

// QueryResponse is the JSON body of a successful query. Cached reports a
// gateway cache hit and CacheHit a warehouse cache hit. ExecutionTime is in
// seconds.
type QueryResponse struct {
	Rows           []domain.Row `json:"rows"`
	Columns        []string     `json:"columns"`
	Cached         bool         `json:"cached"`
	Truncated      bool         `json:"truncated"`
	TotalRows      int64        `json:"total_rows"`
	ProjectID      string       `json:"project_id"`
	JobID          string       `json:"job_id,omitempty"`
	DryRun         bool         `json:"dry_run,omitempty"`
	BytesProcessed int64        `json:"bytes_processed"`
	ExecutionTime  float64      `json:"execution_time"`
	CacheHit       bool         `json:"cache_hit"`
}

// DatasetsResponse lists datasets of a project.
type DatasetsResponse struct {
	ProjectID string               `json:"project_id"`
	Datasets  []domain.DatasetInfo `json:"datasets"`
}

// TablesResponse lists tables of a dataset.
type TablesResponse struct {
	ProjectID string             `json:"project_id"`
	DatasetID string             `json:"dataset_id"`
	Tables    []domain.TableInfo `json:"tables"`
}

// Handler serves the gateway endpoints.
type Handler struct {
	gw     *gateway.Gateway
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(gw *gateway.Gateway, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{gw: gw, logger: logger.With("component", "api")}
}

// Query handles POST /api/bigquery/query. The body is decoded only once the
// token checks out.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	resp, err := h.gw.HandleDecoded(r.Context(), middleware.BearerToken(r), func() (domain.QueryRequest, error) {
		return decodeQueryRequest(w, r)
	})
	h.respondQuery(w, r, resp, err)
}

// Preview handles GET /api/bigquery/datasets/{dataset}/tables/{table}/preview.
// A limit that is not an integer is passed on as 0, which the gateway
// rejects after verifying the token.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	limit := gateway.DefaultPreviewRows
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			n = 0
		}
		limit = n
	}

	resp, err := h.gw.Preview(r.Context(), middleware.BearerToken(r),
		r.URL.Query().Get("project_id"), chi.URLParam(r, "dataset"), chi.URLParam(r, "table"), limit)
	h.respondQuery(w, r, resp, err)
}

// ListDatasets handles GET /api/bigquery/datasets.
func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	resp, datasets, err := h.gw.ListDatasets(r.Context(), middleware.BearerToken(r), r.URL.Query().Get("project_id"))
	setRateLimitHeaders(w, resp)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if datasets == nil {
		datasets = []domain.DatasetInfo{}
	}
	writeJSON(w, http.StatusOK, DatasetsResponse{ProjectID: resp.Scope.Target, Datasets: datasets})
}

// ListTables handles GET /api/bigquery/datasets/{dataset}/tables.
func (h *Handler) ListTables(w http.ResponseWriter, r *http.Request) {
	dataset := chi.URLParam(r, "dataset")
	resp, tables, err := h.gw.ListTables(r.Context(), middleware.BearerToken(r), r.URL.Query().Get("project_id"), dataset)
	setRateLimitHeaders(w, resp)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if tables == nil {
		tables = []domain.TableInfo{}
	}
	writeJSON(w, http.StatusOK, TablesResponse{ProjectID: resp.Scope.Target, DatasetID: dataset, Tables: tables})
}

// TableSchema handles GET /api/bigquery/datasets/{dataset}/tables/{table}/schema.
func (h *Handler) TableSchema(w http.ResponseWriter, r *http.Request) {
	resp, schema, err := h.gw.TableSchema(r.Context(), middleware.BearerToken(r),
		r.URL.Query().Get("project_id"), chi.URLParam(r, "dataset"), chi.URLParam(r, "table"))
	setRateLimitHeaders(w, resp)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (h *Handler) respondQuery(w http.ResponseWriter, r *http.Request, resp *gateway.Response, err error) {
	setRateLimitHeaders(w, resp)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res := resp.Result
	rows := res.Rows
	if rows == nil {
		rows = []domain.Row{}
	}
	columns := res.Columns
	if columns == nil {
		columns = []string{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Rows:      rows,
		Columns:   columns,
		Cached:    resp.Cached,
		Truncated: res.Truncated,
		TotalRows: res.TotalRows,
		ProjectID: res.ProjectID,
		JobID:     res.JobID,

		DryRun:         res.DryRun,
		BytesProcessed: res.BytesProcessed,
		ExecutionTime:  res.ExecutionTime.Seconds(),
		CacheHit:       res.CacheHit,
	})
}

func decodeQueryRequest(w http.ResponseWriter, r *http.Request) (domain.QueryRequest, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	var body QueryRequest
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.QueryRequest{}, domain.ErrValidation("request body exceeds %d bytes", tooLarge.Limit)
		}
		return domain.QueryRequest{}, domain.ErrValidation("invalid request body: %v", err)
	}

	if strings.TrimSpace(body.Query) == "" {
		return domain.QueryRequest{}, domain.ErrValidation("query is required")
	}
	req := domain.QueryRequest{
		SQL:       body.Query,
		ProjectID: body.ProjectID,
		Params:    body.Params,
		UseCache:  true,
	}
	if body.Timeout != nil {
		if *body.Timeout <= 0 {
			return domain.QueryRequest{}, domain.ErrValidation("timeout must be positive")
		}
		req.Timeout = time.Duration(*body.Timeout * float64(time.Second))
	}
	if body.MaxResults != nil {
		if *body.MaxResults <= 0 {
			return domain.QueryRequest{}, domain.ErrValidation("max_results must be positive")
		}
		req.MaxRows = *body.MaxResults
	}
	if body.UseCache != nil {
		req.UseCache = *body.UseCache
	}
	req.DryRun = body.DryRun
	return req, nil
}

// setRateLimitHeaders reports the caller's standing once the limiter ran.
func setRateLimitHeaders(w http.ResponseWriter, resp *gateway.Response) {
	if resp == nil || resp.RateLimit == nil {
		return
	}
	d := resp.RateLimit
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
