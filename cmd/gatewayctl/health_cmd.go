package main

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"
)

func newHealthCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report gateway readiness",
		Long:  "Report gateway readiness and the outcome of each startup check. Exits non-zero when the gateway is not ready.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, status, err := client().Health(cmd.Context())
			if err != nil {
				return err
			}

			if f := getOutputFormat(cmd); isStructured(f) {
				if err := printStructured(cmd.OutOrStdout(), f, h); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "status: %s (uptime %ds)\n", h.Status, h.UptimeSeconds)
				names := make([]string, 0, len(h.Checks))
				for name := range h.Checks {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					_, _ = fmt.Fprintf(out, "  %-10s %s\n", name, h.Checks[name])
				}
			}

			if status != http.StatusOK {
				return fmt.Errorf("gateway is not ready: %s", h.Status)
			}
			return nil
		},
	}
}
