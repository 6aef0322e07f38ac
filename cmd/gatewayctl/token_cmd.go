package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"bq-gateway/internal/middleware"
)

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		email   string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development HS256 token",
		Long: "Mint an HS256 token accepted by a gateway started with JWT_SECRET in development.\n" +
			"The secret comes from --secret, then JWT_SECRET, then an interactive prompt.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				s, err := promptSecret(cmd)
				if err != nil {
					return err
				}
				secret = s
			}
			if secret == "" {
				return fmt.Errorf("a signing secret is required")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			if subject == "" {
				subject = email
			}

			tok, err := middleware.MintHS256(secret, subject, email, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			if f := getOutputFormat(cmd); isStructured(f) {
				return printStructured(cmd.OutOrStdout(), f, map[string]string{
					"token":      tok,
					"subject":    subject,
					"email":      email,
					"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
				})
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "HS256 signing secret")
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (defaults to the email)")
	cmd.Flags().StringVar(&email, "email", "", "Caller email")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// promptSecret reads the secret without echo from a terminal, or one line
// from piped stdin.
func promptSecret(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprint(cmd.ErrOrStderr(), "JWT secret: ")
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", nil
	}
	return strings.TrimSpace(line), nil
}
