// Package config loads and validates engine configuration.
//
// Configuration comes from an optional hvsync.yaml file plus the named
// environment variables the deployment recognizes (SYNC_INTERVAL_MS,
// DB_PATH, H_API_URL, ...). Environment always wins over the file. The
// loaded Config is immutable; reloads build a fresh Config and swap it
// atomically through a Store.
package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// ReconciliationAction selects what happens to mapping rows whose upstream
// counterpart has disappeared.
type ReconciliationAction string

const (
	ReconcileMarkDeleted ReconciliationAction = "mark_deleted"
	ReconcileHardDelete  ReconciliationAction = "hard_delete"
)

// Config is the complete engine configuration. Values are resolved once at
// load; components receive the struct and never consult viper directly.
type Config struct {
	// Sync loop
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	APIDelay     time.Duration `mapstructure:"api_delay"`
	DryRun       bool          `mapstructure:"dry_run"`
	MaxWorkers   int           `mapstructure:"max_workers"`
	BatchSize    int           `mapstructure:"batch_size"`

	// Mapping store
	DBPath string `mapstructure:"db_path"`

	// Upstream endpoints
	HulyURL    string `mapstructure:"huly_url"`
	HulyToken  string `mapstructure:"huly_token"`
	VibeURL    string `mapstructure:"vibe_url"`
	VibeToken  string `mapstructure:"vibe_token"`
	BeadsBin   string `mapstructure:"beads_bin"`
	SidecarURL string `mapstructure:"sidecar_url"`

	// Workflow engine
	TaskQueue       string        `mapstructure:"task_queue"`
	WorkflowAddress string        `mapstructure:"workflow_address"`
	ActivityTimeout time.Duration `mapstructure:"activity_timeout"`

	// Intake tuning
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	BurstThreshold int           `mapstructure:"burst_threshold"`
	BurstWindow    time.Duration `mapstructure:"burst_window"`
	SSEHeartbeat   time.Duration `mapstructure:"sse_heartbeat"`

	// Dedupe index
	DedupeCacheTTL time.Duration `mapstructure:"dedupe_cache_ttl"`

	// Reconciliation
	ReconciliationAction ReconciliationAction `mapstructure:"reconciliation_action"`
	ReconciliationDryRun bool                 `mapstructure:"reconciliation_dry_run"`

	// Admin HTTP surface
	ListenAddr   string `mapstructure:"listen_addr"`
	WebhookToken string `mapstructure:"webhook_token"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// Version counter, bumped on every successful reload. Carried by
	// continue-as-new so a running workflow can detect config drift.
	Version int `mapstructure:"-"`
}

// VibeEnabled reports whether the Vibe side participates at all. An empty
// V_API_URL reduces the engine to the Huly/Beads pair.
func (c *Config) VibeEnabled() bool { return c.VibeURL != "" }

// OrchestrationTimeout is the hard deadline for one cycle: twice the tick
// interval, so a wedged cycle cannot outlive its successor's slot.
func (c *Config) OrchestrationTimeout() time.Duration { return 2 * c.SyncInterval }

// Load reads configuration from the given file path (optional) and the
// environment, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("api_delay", 10*time.Millisecond)
	v.SetDefault("dry_run", false)
	v.SetDefault("max_workers", 8)
	v.SetDefault("batch_size", 25)
	v.SetDefault("db_path", ".hvsync/mapping.db")
	v.SetDefault("beads_bin", "bd")
	v.SetDefault("task_queue", "hvsync")
	v.SetDefault("activity_timeout", 30*time.Second)
	v.SetDefault("debounce_window", 500*time.Millisecond)
	v.SetDefault("burst_threshold", 10)
	v.SetDefault("burst_window", 5*time.Second)
	v.SetDefault("sse_heartbeat", 45*time.Second)
	v.SetDefault("dedupe_cache_ttl", 15*time.Second)
	v.SetDefault("reconciliation_action", string(ReconcileMarkDeleted))
	v.SetDefault("reconciliation_dry_run", false)
	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("log_level", "info")

	// The deployment's documented environment names predate this rewrite,
	// so each is bound explicitly rather than via a prefix.
	bindings := map[string]string{
		"sync_interval":          "SYNC_INTERVAL_MS",
		"api_delay":              "API_DELAY_MS",
		"dry_run":                "DRY_RUN",
		"db_path":                "DB_PATH",
		"huly_url":               "H_API_URL",
		"huly_token":             "H_API_TOKEN",
		"vibe_url":               "V_API_URL",
		"vibe_token":             "V_API_TOKEN",
		"beads_bin":              "B_CLI_BIN",
		"sidecar_url":            "SIDECAR_URL",
		"task_queue":             "WORKFLOW_TASK_QUEUE",
		"workflow_address":       "WORKFLOW_ADDRESS",
		"reconciliation_action":  "RECONCILIATION_ACTION",
		"reconciliation_dry_run": "RECONCILIATION_DRY_RUN",
		"dedupe_cache_ttl":       "DEDUPE_CACHE_TTL_MS",
		"max_workers":            "MAX_WORKERS",
		"batch_size":             "BATCH_SIZE",
		"listen_addr":            "LISTEN_ADDR",
		"webhook_token":          "WEBHOOK_TOKEN",
		"log_level":              "LOG_LEVEL",
		"log_file":               "LOG_FILE",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// The *_MS keys carry bare millisecond counts; viper would decode
	// "3600000" as nanoseconds. A bare integer is always milliseconds,
	// duration strings ("45s") and the defaults pass through as decoded.
	cfg.SyncInterval = millis(v, "sync_interval", cfg.SyncInterval)
	cfg.APIDelay = millis(v, "api_delay", cfg.APIDelay)
	cfg.DedupeCacheTTL = millis(v, "dedupe_cache_ttl", cfg.DedupeCacheTTL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// millis reinterprets a bare integer value under key as a millisecond count.
func millis(v *viper.Viper, key string, decoded time.Duration) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return decoded
}

// Validate checks invariants that would otherwise surface as runtime
// failures deep inside a cycle.
func (c *Config) Validate() error {
	if c.SyncInterval <= 0 {
		return fmt.Errorf("config: sync_interval must be positive, got %s", c.SyncInterval)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("config: max_workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if c.HulyURL == "" {
		return fmt.Errorf("config: H_API_URL is required")
	}
	for _, u := range []string{c.HulyURL, c.VibeURL, c.SidecarURL} {
		if u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("config: endpoint %q must be an http(s) URL", u)
		}
	}
	switch c.ReconciliationAction {
	case ReconcileMarkDeleted, ReconcileHardDelete:
	default:
		return fmt.Errorf("config: reconciliation_action must be mark_deleted or hard_delete, got %q",
			c.ReconciliationAction)
	}
	if c.LogFile != "" && !filepath.IsAbs(c.LogFile) {
		return fmt.Errorf("config: log_file must be an absolute path, got %q", c.LogFile)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level must be debug|info|warn|error, got %q", c.LogLevel)
	}
	return nil
}

// Store holds the active Config and swaps it atomically on reload. Readers
// call Get on every use; a reload between orchestrations is picked up by the
// next cycle without coordination.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore creates a Store seeded with cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Get returns the active configuration.
func (s *Store) Get() *Config { return s.current.Load() }

// Swap validates the replacement and installs it, bumping the version.
func (s *Store) Swap(next *Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	next.Version = s.current.Load().Version + 1
	s.current.Store(next)
	return nil
}
