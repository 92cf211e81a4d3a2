package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/playbookd/internal/bounded"
	"github.com/rendis/playbookd/internal/engine"
)

// Config holds all playbookd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr  string `json:"listen_addr"`
	DBPath      string `json:"db_path"`
	PlaybookDir string `json:"playbook_dir"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	PoolSize    int    `json:"pool_size"`

	PollIncrement      duration `json:"poll_increment"`
	DefaultStepTimeout duration `json:"default_step_timeout"`
	RetryDelay         duration `json:"retry_delay"`
	MaxNestingDepth    int      `json:"max_nesting_depth"`

	GatewayURL string `json:"gateway_url,omitempty"`
	AIEndpoint string `json:"ai_endpoint,omitempty"`
	AIModel    string `json:"ai_model,omitempty"`

	// Env only, never read from or written to settings.json.
	VaultKey string `json:"-"`
	AIAPIKey string `json:"-"`
}

// duration reads "250ms"-style strings from JSON.
type duration time.Duration

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"250ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func defaultConfig() Config {
	dir := playbookdDir()
	return Config{
		ListenAddr:         ":4200",
		DBPath:             filepath.Join(dir, "playbookd.db"),
		PlaybookDir:        filepath.Join(dir, "playbooks"),
		LogLevel:           "info",
		LogFormat:          "json",
		PoolSize:           10,
		PollIncrement:      duration(bounded.DefaultIncrement),
		DefaultStepTimeout: duration(engine.DefaultStepTimeout),
		RetryDelay:         duration(engine.DefaultRetryDelay),
		MaxNestingDepth:    engine.DefaultMaxNestingDepth,
	}
}

func playbookdDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".playbookd"
	}
	return filepath.Join(home, ".playbookd")
}

func settingsPath() string {
	return filepath.Join(playbookdDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(playbookdDir(), "playbookd.pid")
}

// loadConfig layers settings.json and PLAYBOOKD_* env vars over the defaults.
// A malformed settings file or env value is an error; a missing file is not.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	strs := map[string]*string{
		"PLAYBOOKD_LISTEN_ADDR":  &cfg.ListenAddr,
		"PLAYBOOKD_DB_PATH":      &cfg.DBPath,
		"PLAYBOOKD_PLAYBOOK_DIR": &cfg.PlaybookDir,
		"PLAYBOOKD_LOG_LEVEL":    &cfg.LogLevel,
		"PLAYBOOKD_LOG_FORMAT":   &cfg.LogFormat,
		"PLAYBOOKD_GATEWAY_URL":  &cfg.GatewayURL,
		"PLAYBOOKD_AI_ENDPOINT":  &cfg.AIEndpoint,
		"PLAYBOOKD_AI_MODEL":     &cfg.AIModel,
		"PLAYBOOKD_VAULT_KEY":    &cfg.VaultKey,
		"PLAYBOOKD_AI_API_KEY":   &cfg.AIAPIKey,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PLAYBOOKD_POOL_SIZE":         &cfg.PoolSize,
		"PLAYBOOKD_MAX_NESTING_DEPTH": &cfg.MaxNestingDepth,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durs := map[string]*duration{
		"PLAYBOOKD_POLL_INCREMENT":       &cfg.PollIncrement,
		"PLAYBOOKD_DEFAULT_STEP_TIMEOUT": &cfg.DefaultStepTimeout,
		"PLAYBOOKD_RETRY_DELAY":          &cfg.RetryDelay,
	}
	for key, dst := range durs {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			*dst = duration(d)
		}
	}

	if cfg.PoolSize <= 0 {
		return cfg, fmt.Errorf("pool_size must be positive, got %d", cfg.PoolSize)
	}
	return cfg, nil
}

// engineConfig maps the tunables onto engine.Config.
func (c Config) engineConfig() engine.Config {
	return engine.Config{
		PollIncrement:      time.Duration(c.PollIncrement),
		DefaultStepTimeout: time.Duration(c.DefaultStepTimeout),
		RetryDelay:         time.Duration(c.RetryDelay),
		MaxNestingDepth:    c.MaxNestingDepth,
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PlaybookDir != new.PlaybookDir {
		d.RestartNeeded = append(d.RestartNeeded, "playbook_dir")
	}
	if old.LogFormat != new.LogFormat {
		d.RestartNeeded = append(d.RestartNeeded, "log_format")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.engineConfig() != new.engineConfig() {
		d.RestartNeeded = append(d.RestartNeeded, "engine")
	}
	if old.GatewayURL != new.GatewayURL {
		d.RestartNeeded = append(d.RestartNeeded, "gateway_url")
	}
	if old.AIEndpoint != new.AIEndpoint || old.AIModel != new.AIModel {
		d.RestartNeeded = append(d.RestartNeeded, "ai")
	}
	return d
}
