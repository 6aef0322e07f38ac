// Package main is the entry point for the gateway HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bq-gateway/internal/app"
	"bq-gateway/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := app.NewLogger(cfg, os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := app.New(ctx, app.Deps{Cfg: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("wire app: %w", err)
	}
	defer a.Close()
	go a.Start(ctx)

	srv := newServer(cfg, a.Handler)

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("shutting down gateway")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening", "addr", srv.Addr,
		"try", fmt.Sprintf("curl -X POST -H 'Authorization: Bearer <id-token>' -d '{\"query\":\"SELECT 1\"}' %s/api/bigquery/query",
			localURL(srv.Addr)))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// newServer builds the HTTP server. WriteTimeout outlasts the longest
// permitted warehouse job so a slow query is answered rather than cut off.
func newServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Warehouse.JobTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// localURL is the base URL a local client can use to reach listenAddr.
// Wildcard and missing hosts become localhost.
func localURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(listenAddr))
	if err != nil {
		return "http://localhost:8080"
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
