package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/playbookd/pkg/mcp"
)

// runMCP serves the MCP tools over stdio. Logs go to stderr because stdout
// carries the protocol.
func runMCP(args []string, cfg Config) int {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	playbookDir := fs.String("playbook-dir", cfg.PlaybookDir, "directory of playbook YAML files")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg.PlaybookDir = *playbookDir

	logger := newLogger(cfg, os.Stderr, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close(context.Background())

	if _, err := a.library.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	srv := mcp.NewPlaybookServer(mcp.PlaybookServerDeps{
		Manager:   a.manager,
		Catalog:   a.library,
		Validator: a.validator,
		Events:    a.events,
		Hub:       a.hub,
		Logger:    logger,
		Version:   version,
	})
	logger.Info("mcp server starting on stdio", "version", version)
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
