package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newQueryCmd(client func() *Client) *cobra.Command {
	var (
		project    string
		params     map[string]string
		timeout    time.Duration
		maxResults int
		noCache    bool
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "query SQL",
		Short: "Run a read-only query through the gateway",
		Long: "Run a read-only query through the gateway. Pass - to read the SQL from stdin.\n" +
			"Named parameters are referenced as @name and bound with --param name=value;\n" +
			"values that parse as JSON (numbers, booleans, arrays) are sent typed.",
		Example: `  gatewayctl query "SELECT 1"
  gatewayctl query --param min=10 "SELECT * FROM sales.orders WHERE amount > @min"
  gatewayctl query --dry-run "SELECT * FROM sales.orders"
  echo "SELECT 1" | gatewayctl query -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			if strings.TrimSpace(sql) == "" {
				return fmt.Errorf("query is empty")
			}

			body := queryBody{
				Query:      sql,
				ProjectID:  project,
				Params:     parseParams(params),
				Timeout:    timeout.Seconds(),
				MaxResults: maxResults,
				DryRun:     dryRun,
			}
			if noCache {
				useCache := false
				body.UseCache = &useCache
			}

			res, err := client().Query(cmd.Context(), body)
			if err != nil {
				return err
			}
			if f := getOutputFormat(cmd); isStructured(f) {
				return printStructured(cmd.OutOrStdout(), f, res)
			}
			if res.DryRun {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "query is valid and would process %d bytes\n", res.BytesProcessed)
				return err
			}
			return printRows(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "Warehouse project (defaults to the gateway's project)")
	cmd.Flags().StringToStringVar(&params, "param", nil, "Query parameter as name=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Job timeout, capped by the gateway")
	cmd.Flags().IntVar(&maxResults, "max-results", 0, "Maximum rows to return")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the result cache")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the query and report the bytes it would process")
	return cmd
}

// parseParams keeps values that are valid JSON scalars or arrays typed and
// sends everything else as a string.
func parseParams(raw map[string]string) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		var typed interface{}
		if err := json.Unmarshal([]byte(v), &typed); err == nil {
			if _, isObject := typed.(map[string]interface{}); !isObject {
				out[k] = typed
				continue
			}
		}
		out[k] = v
	}
	return out
}
