package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML renders v as YAML keyed by its JSON field names.
func printYAML(w io.Writer, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

// printStructured writes v in the requested machine-readable format.
func printStructured(w io.Writer, format string, v interface{}) error {
	if format == "yaml" {
		return printYAML(w, v)
	}
	return printJSON(w, v)
}

// printRows renders a result as an aligned table followed by a summary line.
func printRows(w io.Writer, res *queryResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, c := range res.Columns {
		if i > 0 {
			_, _ = fmt.Fprint(tw, "\t")
		}
		_, _ = fmt.Fprint(tw, c)
	}
	_, _ = fmt.Fprintln(tw)
	for _, row := range res.Rows {
		for i, c := range res.Columns {
			if i > 0 {
				_, _ = fmt.Fprint(tw, "\t")
			}
			_, _ = fmt.Fprint(tw, formatCell(row[c]))
		}
		_, _ = fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	summary := fmt.Sprintf("(%d of %d rows", len(res.Rows), res.TotalRows)
	if res.Truncated {
		summary += ", truncated"
	}
	if res.Cached {
		summary += ", cached"
	}
	if res.BytesProcessed > 0 {
		summary += fmt.Sprintf(", %d bytes processed", res.BytesProcessed)
	}
	_, err := fmt.Fprintln(w, summary+")")
	return err
}

// formatCell renders nil as empty and nested values as JSON.
func formatCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", x)
	}
}
