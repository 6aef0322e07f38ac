package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	bigquery "google.golang.org/api/bigquery/v2"
	"google.golang.org/api/googleapi"

	"bq-gateway/internal/domain"
)

// queryParameters converts JSON-decoded values into named BigQuery
// parameters, ordered by name. Integral numbers become INT64.
func queryParameters(params map[string]interface{}) ([]*bigquery.QueryParameter, error) {
	if len(params) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*bigquery.QueryParameter, 0, len(names))
	for _, name := range names {
		typ, val, err := parameterValue(params[name])
		if err != nil {
			return nil, domain.ErrExec(domain.ExecInvalidQuery, "parameter %q: %v", name, err)
		}
		out = append(out, &bigquery.QueryParameter{Name: name, ParameterType: typ, ParameterValue: val})
	}
	return out, nil
}

func parameterValue(v interface{}) (*bigquery.QueryParameterType, *bigquery.QueryParameterValue, error) {
	scalar := func(typ, value string) (*bigquery.QueryParameterType, *bigquery.QueryParameterValue, error) {
		return &bigquery.QueryParameterType{Type: typ}, &bigquery.QueryParameterValue{Value: value}, nil
	}

	switch x := v.(type) {
	case nil:
		return &bigquery.QueryParameterType{Type: "STRING"},
			&bigquery.QueryParameterValue{NullFields: []string{"Value"}}, nil
	case string:
		return scalar("STRING", x)
	case bool:
		return scalar("BOOL", strconv.FormatBool(x))
	case int:
		return scalar("INT64", strconv.Itoa(x))
	case int64:
		return scalar("INT64", strconv.FormatInt(x, 10))
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return scalar("INT64", strconv.FormatInt(int64(x), 10))
		}
		return scalar("FLOAT64", strconv.FormatFloat(x, 'g', -1, 64))
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return scalar("INT64", x.String())
		}
		if _, err := x.Float64(); err != nil {
			return nil, nil, fmt.Errorf("invalid number %q", x)
		}
		return scalar("FLOAT64", x.String())
	case []interface{}:
		elemType := &bigquery.QueryParameterType{Type: "STRING"}
		values := make([]*bigquery.QueryParameterValue, 0, len(x))
		for i, e := range x {
			t, val, err := parameterValue(e)
			if err != nil {
				return nil, nil, err
			}
			if t.ArrayType != nil {
				return nil, nil, errors.New("nested arrays are not supported")
			}
			if i == 0 {
				elemType = t
			} else if t.Type != elemType.Type {
				return nil, nil, fmt.Errorf("mixed array element types %s and %s", elemType.Type, t.Type)
			}
			values = append(values, val)
		}
		return &bigquery.QueryParameterType{Type: "ARRAY", ArrayType: elemType},
			&bigquery.QueryParameterValue{ArrayValues: values}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported type %T", v)
	}
}

func columnNames(fields []*bigquery.TableFieldSchema) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func convertRow(fields []*bigquery.TableFieldSchema, r *bigquery.TableRow) domain.Row {
	row := make(domain.Row, len(fields))
	for i, f := range fields {
		if i >= len(r.F) {
			row[f.Name] = nil
			continue
		}
		row[f.Name] = convertField(f, r.F[i].V)
	}
	return row
}

// convertField decodes one cell of the REST row format, where scalars arrive
// as strings, records as {"f": [...]} and repeated values as [{"v": ...}].
func convertField(f *bigquery.TableFieldSchema, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if f.Mode == "REPEATED" {
		items, ok := v.([]interface{})
		if !ok {
			return v
		}
		elem := *f
		elem.Mode = "NULLABLE"
		out := make([]interface{}, 0, len(items))
		for _, it := range items {
			if cell, ok := it.(map[string]interface{}); ok {
				out = append(out, convertField(&elem, cell["v"]))
			}
		}
		return out
	}

	switch f.Type {
	case "RECORD", "STRUCT":
		obj, ok := v.(map[string]interface{})
		if !ok {
			return v
		}
		cells, _ := obj["f"].([]interface{})
		rec := make(map[string]interface{}, len(f.Fields))
		for i, sub := range f.Fields {
			if i >= len(cells) {
				rec[sub.Name] = nil
				continue
			}
			cell, _ := cells[i].(map[string]interface{})
			rec[sub.Name] = convertField(sub, cell["v"])
		}
		return rec
	}

	s, ok := v.(string)
	if !ok {
		return v
	}
	switch f.Type {
	case "INTEGER", "INT64":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case "FLOAT", "FLOAT64":
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n
		}
	case "BOOLEAN", "BOOL":
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	case "TIMESTAMP":
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			whole, frac := math.Modf(secs)
			return time.Unix(int64(whole), int64(math.Round(frac*1e6))*1e3).UTC().Format(time.RFC3339Nano)
		}
	}
	return s
}

// errorReason returns the first error item's reason.
func errorReason(gerr *googleapi.Error) string {
	for _, item := range gerr.Errors {
		if item.Reason != "" {
			return item.Reason
		}
	}
	return ""
}

// classifyAPIError maps a BigQuery API call failure onto an ExecError.
// Context errors pass through so callers can tell a client disconnect from a
// warehouse failure.
func classifyAPIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return domain.WrapExec(domain.ExecUnavailable, err)
	}
	kind := kindForReason(errorReason(gerr))
	if kind == "" {
		kind = kindForStatus(gerr.Code)
	}
	msg := gerr.Message
	if msg == "" {
		msg = err.Error()
	}
	return &domain.ExecError{Kind: kind, Message: msg, Err: err}
}

// classifyErrorProto maps a job's terminal error onto an ExecError.
func classifyErrorProto(e *bigquery.ErrorProto) error {
	kind := kindForReason(e.Reason)
	if kind == "" {
		kind = domain.ExecUnavailable
	}
	return domain.ErrExec(kind, "%s", e.Message)
}

// kindForReason follows https://cloud.google.com/bigquery/docs/error-messages.
func kindForReason(reason string) domain.ExecErrorKind {
	switch reason {
	case "quotaExceeded", "rateLimitExceeded":
		return domain.ExecQuotaExceeded
	case "invalidQuery", "invalid", "notFound", "responseTooLarge", "duplicate":
		return domain.ExecInvalidQuery
	case "accessDenied", "billingNotEnabled", "blocked":
		return domain.ExecPermissionDenied
	case "backendError", "internalError", "notImplemented", "resourceInUse", "resourcesExceeded", "timeout":
		return domain.ExecUnavailable
	}
	return ""
}

func kindForStatus(code int) domain.ExecErrorKind {
	switch code {
	case http.StatusBadRequest, http.StatusNotFound:
		return domain.ExecInvalidQuery
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ExecPermissionDenied
	case http.StatusTooManyRequests:
		return domain.ExecQuotaExceeded
	}
	return domain.ExecUnavailable
}
