package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rendis/playbookd/internal/api"
	"github.com/rendis/playbookd/internal/logging"
	"github.com/rendis/playbookd/internal/playbooks"
	"github.com/rendis/playbookd/internal/scheduler"
	"github.com/rendis/playbookd/pkg/schema"
)

const shutdownTimeout = 30 * time.Second

func runServe(args []string, cfg Config) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", cfg.ListenAddr, "TCP listen address")
	playbookDir := fs.String("playbook-dir", cfg.PlaybookDir, "directory of playbook YAML files")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg.ListenAddr = *listenAddr
	cfg.PlaybookDir = *playbookDir

	lv := new(slog.LevelVar)
	logger := newLogger(cfg, os.Stderr, lv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := os.MkdirAll(cfg.PlaybookDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", cfg.PlaybookDir, err)
		a.close(context.Background())
		return 1
	}
	if _, err := a.library.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		a.close(context.Background())
		return 1
	}

	sched := scheduler.NewScheduler(a.store, scheduler.ManagerRunner{Manager: a.manager}, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed job recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		a.close(context.Background())
		return 1
	}

	srv, err := api.New(api.Deps{
		Manager:   a.manager,
		Catalog:   a.library,
		Validator: a.validator,
		Scheduler: sched,
		Events:    a.events,
		Hub:       a.hub,
		Handlers:  a.registry,
		Logger:    logger,
		Version:   version,
	})
	if err == nil {
		err = srv.Start(cfg.ListenAddr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		_ = sched.Stop()
		a.close(context.Background())
		return 1
	}

	writePID(logger)
	defer os.Remove(pidPath())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger.Info("playbookd started",
		"version", version,
		"listen_addr", srv.Addr(),
		"playbook_dir", cfg.PlaybookDir,
		"pool_size", cfg.PoolSize,
	)

	current := cfg
	for {
		select {
		case <-hup:
			current = reload(current, a.library.Reload, lv, logger)
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Close(); err != nil {
				logger.Warn("api shutdown", "error", err)
			}
			_ = sched.Stop()
			a.close(shutdownCtx)
			return 0
		}
	}
}

// reload re-reads the configuration on SIGHUP. Log level changes apply
// immediately and playbooks are reloaded; everything else needs a restart.
func reload(old Config, reloadPlaybooks func() (*playbooks.LoadResult, error), lv *slog.LevelVar, logger *slog.Logger) Config {
	next, err := loadConfig()
	if err != nil {
		logger.Error("config reload failed", "error", err)
		return old
	}
	// Flag overrides survive a reload.
	next.ListenAddr = old.ListenAddr
	next.PlaybookDir = old.PlaybookDir

	diff := diffConfigs(old, next)
	if diff.LogLevelChanged {
		lv.Set(logging.ParseLevel(next.LogLevel))
		logger.Info("log level changed", "level", next.LogLevel)
	}
	if len(diff.RestartNeeded) > 0 {
		logger.Warn("settings changed that require a restart", "fields", diff.RestartNeeded)
	}

	if res, err := reloadPlaybooks(); err != nil {
		logger.Error("playbook reload failed", "error", err, "code", schema.CodeOf(err))
	} else {
		logger.Info("playbooks reloaded", "loaded", len(res.Loaded), "failed", len(res.Failed))
	}
	return next
}

func writePID(logger *slog.Logger) {
	if err := os.MkdirAll(playbookdDir(), 0o700); err != nil {
		logger.Warn("cannot create state dir", "error", err)
		return
	}
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		logger.Warn("cannot write pid file", "path", pidPath(), "error", err)
	}
}
