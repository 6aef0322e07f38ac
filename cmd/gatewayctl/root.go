package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	version = "dev"
	commit  = "none"
)

// execute runs the CLI with args and returns the process exit code.
func execute(args []string) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		if getOutputFormat(rootCmd) == "json" {
			errObj := map[string]interface{}{"error": err.Error()}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				errObj["http_status"] = apiErr.HTTPStatus
				errObj["errorKind"] = apiErr.Kind
			}
			_ = printJSON(rootCmd.OutOrStdout(), errObj)
		} else {
			fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		host   string
		token  string
		output string
	)

	rootCmd := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "BigQuery gateway operator CLI",
		Long:          "Command-line interface for running queries against, and checking on, a BigQuery gateway.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Apply precedence: flag > env > default
			if !cmd.Flags().Changed("host") {
				if v := os.Getenv("GATEWAY_HOST"); v != "" {
					host = v
				}
			}
			if !cmd.Flags().Changed("token") {
				if v := os.Getenv("GATEWAY_TOKEN"); v != "" {
					token = v
				}
			}
			return validateOutputFormat(output)
		},
	}

	rootCmd.PersistentFlags().StringVar(&host, "host", "http://localhost:8080", "Gateway base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Identity token sent as Bearer credential")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")

	rootCmd.SetGlobalNormalizationFunc(underscoreToDash)

	client := func() *Client { return NewClient(host, token) }

	rootCmd.AddCommand(newQueryCmd(client))
	rootCmd.AddCommand(newHealthCmd(client))
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f := getOutputFormat(cmd); isStructured(f) {
				return printStructured(cmd.OutOrStdout(), f, map[string]string{"version": version, "commit": commit})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "gatewayctl version %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}

// underscoreToDash lets flags be spelled like the gateway's JSON fields,
// e.g. --max_results.
func underscoreToDash(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// getOutputFormat returns the effective output format from the root command's persistent flags.
func getOutputFormat(cmd *cobra.Command) string {
	v, _ := cmd.Root().PersistentFlags().GetString("output")
	return v
}

func validateOutputFormat(output string) error {
	switch output {
	case "", "table", "json", "yaml":
		return nil
	}
	return fmt.Errorf("unsupported output format %q: use 'table', 'json' or 'yaml'", output)
}

func isStructured(format string) bool {
	return format == "json" || format == "yaml"
}

// readInput returns arg, or all of stdin when arg is "-".
func readInput(cmd *cobra.Command, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}
