package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/playbookd/internal/engine"
	"github.com/rendis/playbookd/internal/expressions"
	"github.com/rendis/playbookd/internal/handlers"
	"github.com/rendis/playbookd/internal/playbooks"
	"github.com/rendis/playbookd/internal/secrets"
	"github.com/rendis/playbookd/internal/store"
	"github.com/rendis/playbookd/internal/streaming"
	"github.com/rendis/playbookd/internal/validation"
	"github.com/rendis/playbookd/pkg/schema"
)

// vaultSaltKey holds the PBKDF2 salt next to the encrypted credentials.
const vaultSaltKey = "vault/salt"

// app is the wired object graph shared by serve, mcp and run.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	events    *store.EventLog
	vault     *secrets.Vault // nil without PLAYBOOKD_VAULT_KEY
	registry  *handlers.Registry
	validator *validation.PlaybookValidator
	library   *playbooks.Library
	hub       *streaming.MemoryHub
	engine    *engine.Engine
	manager   *engine.Manager
}

// newApp opens the store and builds the engine stack. Playbooks are not
// loaded; callers decide whether a missing directory is fatal.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: st, events: store.NewEventLog(st)}
	if err := a.build(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	var creds secrets.CredentialStore
	if a.cfg.VaultKey != "" {
		v, err := openVault(ctx, a.store, a.cfg.VaultKey)
		if err != nil {
			return err
		}
		a.vault = v
		creds = v
	} else {
		a.logger.Warn("PLAYBOOKD_VAULT_KEY not set, credential references will fail")
	}

	builtins := handlers.BuiltinConfig{
		Logger:        a.logger,
		WaitIncrement: time.Duration(a.cfg.PollIncrement),
	}
	if a.cfg.GatewayURL != "" {
		gw, err := handlers.NewHTTPGatewayClient(handlers.HTTPGatewayConfig{BaseURL: a.cfg.GatewayURL})
		if err != nil {
			return err
		}
		builtins.Gateway = gw
	}
	if a.cfg.AIEndpoint != "" {
		ai, err := handlers.NewHTTPAIClient(handlers.HTTPAIConfig{
			Endpoint: a.cfg.AIEndpoint,
			APIKey:   a.cfg.AIAPIKey,
			Model:    a.cfg.AIModel,
		})
		if err != nil {
			return err
		}
		builtins.AI = ai
	}

	a.registry = handlers.NewRegistry(handlers.WithWaitIncrement(time.Duration(a.cfg.PollIncrement)))
	runHandler, err := handlers.RegisterBuiltins(a.registry, builtins)
	if err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	a.validator, err = validation.NewPlaybookValidator(a.registry)
	if err != nil {
		return fmt.Errorf("playbook validator: %w", err)
	}
	a.library = playbooks.NewLibrary(a.cfg.PlaybookDir, a.validator, a.logger)
	a.hub = streaming.NewMemoryHub()

	a.engine = engine.New(a.registry, expressions.NewResolver(creds), a.cfg.engineConfig(),
		engine.WithPlaybookSource(a.library),
		engine.WithPersister(a.store),
		engine.WithHooks(streaming.EngineHooks(a.hub, a.events, a.logger)),
		engine.WithLogger(a.logger),
	)
	a.engine.BindSubPlaybooks(runHandler)
	a.manager = engine.NewManager(a.engine, a.store, engine.NewExecutionRegistry(), a.cfg.PoolSize, a.logger)
	return nil
}

// close cancels active executions and closes the store.
func (a *app) close(ctx context.Context) {
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Warn("execution manager shutdown", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close", "error", err)
	}
}

// openStore opens and migrates the database. path may be a plain file path
// or a "file:" URI.
func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	file := strings.TrimPrefix(path, "file:")
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(file), err)
	}
	st, err := store.NewLibSQLStore("file:" + file)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// openVault derives the vault key from passphrase and a per-database salt,
// creating the salt on first use.
func openVault(ctx context.Context, st secrets.SecretStore, passphrase string) (*secrets.Vault, error) {
	salt, err := st.GetSecret(ctx, vaultSaltKey)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate vault salt: %w", err)
		}
		if err := st.StoreSecret(ctx, vaultSaltKey, salt); err != nil {
			return nil, fmt.Errorf("store vault salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read vault salt: %w", err)
	}
	return secrets.NewVault(st, secrets.VaultConfig{Passphrase: passphrase, Salt: salt})
}
