package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelProviderConfig holds per-backend settings for the failover router.
type ModelProviderConfig struct {
	Provider string `yaml:"provider"` // "anthropic" or "openai"
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

// ModelConfig configures the primary backend and its ordered fallbacks.
type ModelConfig struct {
	Primary   ModelProviderConfig   `yaml:"primary"`
	Fallbacks []ModelProviderConfig `yaml:"fallbacks"`

	// FailoverThreshold is the number of consecutive failures before a
	// provider's circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is how long a tripped breaker stays open
	// before the provider is retried. Default 300 (5 minutes).
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

// TelegramConfig configures the chat transport.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// Config is relaycore's full runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Telegram TelegramConfig `yaml:"telegram"`
	Model    ModelConfig    `yaml:"model"`

	// PollIntervalMs is the chat-transport poll cadence.
	PollIntervalMs int `yaml:"poll_interval_ms"`

	// SessionIdleTimeoutMs is how long an idle topic session is kept
	// before eviction.
	SessionIdleTimeoutMs int `yaml:"session_idle_timeout_ms"`

	// SessionMaxConcurrent caps the number of concurrently-held sessions;
	// excess least-recently-used sessions are evicted.
	SessionMaxConcurrent int `yaml:"session_max_concurrent"`

	// RelayTimeoutMs bounds a single model turn.
	RelayTimeoutMs int `yaml:"relay_timeout_ms"`

	// SessionRetryAttempts is how many times RunTurn retries a turn with a
	// fresh session after a session_invalid classified error.
	SessionRetryAttempts int `yaml:"session_retry_attempts"`

	ProgressFirstMs int `yaml:"progress_first_ms"`
	ProgressEveryMs int `yaml:"progress_every_ms"`
	ProgressMaxCount int `yaml:"progress_max_count"`

	// MaxConcurrentTopics bounds cross-topic parallelism; 0 disables the cap.
	MaxConcurrentTopics int `yaml:"max_concurrent_topics"`

	// SemaphoreMaxQueueSize bounds how many topics may wait for a free
	// concurrency slot before semaphore_full is returned.
	SemaphoreMaxQueueSize int `yaml:"semaphore_max_queue_size"`

	DefaultWorkspacePath string `yaml:"default_workspace_path"`

	StartupAnnounceChatID   string `yaml:"startup_announce_chat_id"`
	StartupAnnounceThreadID string `yaml:"startup_announce_thread_id"`

	// DrainTimeoutSeconds bounds graceful shutdown's topic-drain wait.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Telemetry TelemetryConfig `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// TelemetryConfig controls the OpenTelemetry exporter.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:                "info",
		PollIntervalMs:          2000,
		SessionIdleTimeoutMs:    int((45 * time.Minute).Milliseconds()),
		SessionMaxConcurrent:    5,
		RelayTimeoutMs:          int((300 * time.Second).Milliseconds()),
		SessionRetryAttempts:    1,
		ProgressFirstMs:         int((10 * time.Second).Milliseconds()),
		ProgressEveryMs:         int((30 * time.Second).Milliseconds()),
		ProgressMaxCount:        3,
		MaxConcurrentTopics:     3,
		SemaphoreMaxQueueSize:   100,
		DrainTimeoutSeconds:     5,
		Model: ModelConfig{
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "relaycore",
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns the data directory: $RELAYCORE_HOME, else ~/.relaycore.
func HomeDir() string {
	if override := os.Getenv("RELAYCORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".relaycore")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from HomeDir, applies env overrides, and fills in
// defaults. NeedsGenesis is set when no config.yaml exists yet.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create relaycore home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = 2000
	}
	if cfg.SessionIdleTimeoutMs <= 0 {
		cfg.SessionIdleTimeoutMs = int((45 * time.Minute).Milliseconds())
	}
	if cfg.SessionMaxConcurrent <= 0 {
		cfg.SessionMaxConcurrent = 5
	}
	if cfg.RelayTimeoutMs <= 0 {
		cfg.RelayTimeoutMs = int((300 * time.Second).Milliseconds())
	}
	if cfg.ProgressMaxCount < 0 {
		cfg.ProgressMaxCount = 0
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Model.FailoverThreshold <= 0 {
		cfg.Model.FailoverThreshold = 5
	}
	if cfg.Model.FailoverCooldownSeconds <= 0 {
		cfg.Model.FailoverCooldownSeconds = 300
	}
	if cfg.Model.Primary.Provider == "" {
		cfg.Model.Primary.Provider = "anthropic"
	}
	if cfg.DefaultWorkspacePath == "" {
		cfg.DefaultWorkspacePath = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "relaycore"
	}
	if cfg.Telemetry.SampleRate <= 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("RELAYCORE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("RELAY_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RelayTimeoutMs = v
		}
	}
	if raw := os.Getenv("RELAYCORE_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PollIntervalMs = v
		}
	}
	if raw := os.Getenv("RELAYCORE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("ANTHROPIC_API_KEY"); raw != "" {
		if cfg.Model.Primary.Provider == "anthropic" || cfg.Model.Primary.Provider == "" {
			cfg.Model.Primary.APIKey = raw
		}
		for i := range cfg.Model.Fallbacks {
			if cfg.Model.Fallbacks[i].Provider == "anthropic" && cfg.Model.Fallbacks[i].APIKey == "" {
				cfg.Model.Fallbacks[i].APIKey = raw
			}
		}
	}
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" {
		if cfg.Model.Primary.Provider == "openai" {
			cfg.Model.Primary.APIKey = raw
		}
		for i := range cfg.Model.Fallbacks {
			if cfg.Model.Fallbacks[i].Provider == "openai" && cfg.Model.Fallbacks[i].APIKey == "" {
				cfg.Model.Fallbacks[i].APIKey = raw
			}
		}
	}
}

// Fingerprint returns a stable hash of the active config, used to detect
// whether a reload actually changed anything worth re-wiring.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|poll=%d|relay_timeout=%d|session_idle=%d|session_max=%d|topics=%d|provider=%s|model=%s",
		c.LogLevel, c.PollIntervalMs, c.RelayTimeoutMs, c.SessionIdleTimeoutMs,
		c.SessionMaxConcurrent, c.MaxConcurrentTopics, c.Model.Primary.Provider, c.Model.Primary.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
