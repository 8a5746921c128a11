// Package config loads and validates the MobileClaw daemon configuration.
// Configuration lives in a single YAML file (default ~/.mobileclaw/config.yaml),
// is created with defaults on first run, and can be overridden per key with
// MCLAW_-prefixed environment variables. It is loaded once at startup and
// never mutated by the core at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	Org          OrgConfig          `mapstructure:"org" yaml:"org"`
	Models       ModelsConfig       `mapstructure:"models" yaml:"models"`
	Devices      map[string]Device  `mapstructure:"devices" yaml:"devices"`
	Bridge       BridgeConfig       `mapstructure:"bridge" yaml:"bridge"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Executor     ExecutorConfig     `mapstructure:"executor" yaml:"executor"`
	Memory       MemoryConfig       `mapstructure:"memory" yaml:"memory"`
	Chat         ChatConfig         `mapstructure:"chat" yaml:"chat"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
}

// OrgConfig identifies the organization this daemon serves.
type OrgConfig struct {
	// Name is the organization directory name under the memory root.
	Name string `mapstructure:"name" yaml:"name"`
	// Agent is this agent's identity, owning the own/<agent> namespace.
	Agent string `mapstructure:"agent" yaml:"agent"`
}

// ModelsConfig selects the planning and grounding model providers.
type ModelsConfig struct {
	// Planner names the provider used for task decomposition and memory moves.
	Planner string `mapstructure:"planner" yaml:"planner"`
	// Grounder names the provider used for on-screen target resolution.
	Grounder string `mapstructure:"grounder" yaml:"grounder"`
	// Providers maps provider names to their endpoint/key/model triple.
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// ProviderConfig is one model provider's URL/key/model triple.
type ProviderConfig struct {
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model      string `mapstructure:"model" yaml:"model,omitempty"`
	TimeoutSec int    `mapstructure:"timeout_sec" yaml:"timeout_sec,omitempty"`
}

// Device is one operator-declared device with its forwarded local port.
type Device struct {
	// Port is the local port the operator forwarded to the on-device server.
	Port int `mapstructure:"port" yaml:"port"`
	// Label is a free-form operator note (model, owner, desk).
	Label string `mapstructure:"label" yaml:"label,omitempty"`
}

// BridgeConfig tunes the device channel lifecycle.
type BridgeConfig struct {
	// DialTimeout bounds one connection attempt.
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	// ReplyTimeout is the default wait for a command reply.
	ReplyTimeout time.Duration `mapstructure:"reply_timeout" yaml:"reply_timeout"`
	// ReconnectBase is the first reconnect delay; each attempt doubles it.
	ReconnectBase time.Duration `mapstructure:"reconnect_base" yaml:"reconnect_base"`
	// ReconnectCap caps the backoff interval.
	ReconnectCap time.Duration `mapstructure:"reconnect_cap" yaml:"reconnect_cap"`
	// ReconnectRetries is the attempt count before the device is marked disconnected.
	ReconnectRetries int `mapstructure:"reconnect_retries" yaml:"reconnect_retries"`
}

// OrchestratorConfig tunes session and task control.
type OrchestratorConfig struct {
	// StepBudget is the maximum executor steps per task.
	StepBudget int `mapstructure:"step_budget" yaml:"step_budget"`
	// TaskTimeout is the wall-clock budget per task.
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	// MaxNesting caps sub-task recursion depth.
	MaxNesting int `mapstructure:"max_nesting" yaml:"max_nesting"`
	// ConfirmTimeout bounds the AwaitingConfirmation state.
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`
	// SessionIdleTimeout expires sessions with no traffic.
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout" yaml:"session_idle_timeout"`
	// IdlePollCap caps the adaptive idle poll backoff.
	IdlePollCap time.Duration `mapstructure:"idle_poll_cap" yaml:"idle_poll_cap"`
}

// ExecutorConfig tunes the action loop.
type ExecutorConfig struct {
	// StepRetries is the per-step retry budget after a failed verification.
	StepRetries int `mapstructure:"step_retries" yaml:"step_retries"`
	// StepTimeout bounds one ground-issue-verify cycle.
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	// RetryBackoff is the pause before retrying a rejected or timed-out action.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	// GroundingThreshold is the minimum grounding confidence to act on.
	GroundingThreshold float64 `mapstructure:"grounding_threshold" yaml:"grounding_threshold"`
	// SnapRadius is the pixel radius for snapping a point to a clickable element.
	SnapRadius int `mapstructure:"snap_radius" yaml:"snap_radius"`
}

// MemoryConfig locates the organization memory tree.
type MemoryConfig struct {
	// Root is the directory holding per-organization memory trees.
	Root string `mapstructure:"root" yaml:"root"`
	// IndexPath is the SQLite file indexing versions and links.
	IndexPath string `mapstructure:"index_path" yaml:"index_path"`
	// TraversalDepth bounds multi-hop link traversal.
	TraversalDepth int `mapstructure:"traversal_depth" yaml:"traversal_depth"`
}

// ChatConfig configures channel adapters and the manager identity per channel.
type ChatConfig struct {
	// DefaultChannel receives org broadcasts.
	DefaultChannel string `mapstructure:"default_channel" yaml:"default_channel"`
	// Managers maps channel name to the sender id holding Manager role there.
	Managers map[string]string `mapstructure:"managers" yaml:"managers"`
}

// ServerConfig configures the operator control surface.
type ServerConfig struct {
	// Addr is the listen address, empty to disable the server.
	Addr string `mapstructure:"addr" yaml:"addr"`
	// TokenHash is the bcrypt hash of the operator bearer token.
	TokenHash string `mapstructure:"token_hash" yaml:"token_hash,omitempty"`
	// HistoryReplay is the number of bus events replayed to new observers.
	HistoryReplay int `mapstructure:"history_replay" yaml:"history_replay"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// Console switches to human-readable output instead of JSON.
	Console bool `mapstructure:"console" yaml:"console"`
}

// DefaultDevicePort is the well-known local port operators forward to the
// first device's on-device server.
const DefaultDevicePort = 51825

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".mobileclaw")

	return &Config{
		Org: OrgConfig{
			Name:  "default",
			Agent: "agent-1",
		},
		Models: ModelsConfig{
			Planner:  "anthropic",
			Grounder: "openai",
			Providers: map[string]ProviderConfig{
				"anthropic": {
					Endpoint: "https://api.anthropic.com",
					Model:    "claude-3-5-sonnet-20241022",
				},
				"openai": {
					Endpoint: "https://api.openai.com",
					Model:    "gpt-4o-mini",
				},
			},
		},
		Devices: map[string]Device{
			"phone-1": {Port: DefaultDevicePort},
		},
		Bridge: BridgeConfig{
			DialTimeout:      10 * time.Second,
			ReplyTimeout:     10 * time.Second,
			ReconnectBase:    2 * time.Second,
			ReconnectCap:     30 * time.Second,
			ReconnectRetries: 3,
		},
		Orchestrator: OrchestratorConfig{
			StepBudget:         30,
			TaskTimeout:        15 * time.Minute,
			MaxNesting:         3,
			ConfirmTimeout:     120 * time.Second,
			SessionIdleTimeout: 30 * time.Minute,
			IdlePollCap:        10 * time.Minute,
		},
		Executor: ExecutorConfig{
			StepRetries:        2,
			StepTimeout:        60 * time.Second,
			RetryBackoff:       2 * time.Second,
			GroundingThreshold: 0.6,
			SnapRadius:         48,
		},
		Memory: MemoryConfig{
			Root:           filepath.Join(dataDir, "memory"),
			IndexPath:      filepath.Join(dataDir, "memory", "index.db"),
			TraversalDepth: 3,
		},
		Chat: ChatConfig{
			DefaultChannel: "loopback",
			Managers:       map[string]string{},
		},
		Server: ServerConfig{
			Addr:          "127.0.0.1:8765",
			HistoryReplay: 100,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: false,
		},
	}
}

// Load reads configuration from the default location (~/.mobileclaw/config.yaml)
// and merges environment variable overrides.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".mobileclaw", "config.yaml"))
}

// LoadFromPath reads configuration from a specific file path. If the file does
// not exist, it is created with default values first.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example override: MCLAW_LOGGING_LEVEL=debug
	v.SetEnvPrefix("MCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Memory.Root = expandPath(cfg.Memory.Root)
	cfg.Memory.IndexPath = expandPath(cfg.Memory.IndexPath)

	return &cfg, nil
}

// SaveToPath writes the configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Memory.Root,
		filepath.Dir(c.Memory.IndexPath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Org.Name == "" {
		return fmt.Errorf("org.name cannot be empty")
	}
	if c.Org.Agent == "" {
		return fmt.Errorf("org.agent cannot be empty")
	}

	if c.Models.Planner == "" {
		return fmt.Errorf("models.planner cannot be empty")
	}
	if _, ok := c.Models.Providers[c.Models.Planner]; !ok {
		return fmt.Errorf("planner provider '%s' not found in providers map", c.Models.Planner)
	}
	if c.Models.Grounder == "" {
		return fmt.Errorf("models.grounder cannot be empty")
	}
	if _, ok := c.Models.Providers[c.Models.Grounder]; !ok {
		return fmt.Errorf("grounder provider '%s' not found in providers map", c.Models.Grounder)
	}

	seen := make(map[int]string)
	for name, dev := range c.Devices {
		if dev.Port <= 0 || dev.Port > 65535 {
			return fmt.Errorf("device '%s' has invalid port %d", name, dev.Port)
		}
		if other, dup := seen[dev.Port]; dup {
			return fmt.Errorf("devices '%s' and '%s' share port %d", other, name, dev.Port)
		}
		seen[dev.Port] = name
	}

	if c.Bridge.ReconnectRetries < 0 {
		return fmt.Errorf("bridge.reconnect_retries cannot be negative")
	}
	if c.Orchestrator.StepBudget <= 0 {
		return fmt.Errorf("orchestrator.step_budget must be positive")
	}
	if c.Orchestrator.MaxNesting <= 0 {
		return fmt.Errorf("orchestrator.max_nesting must be positive")
	}
	if c.Executor.GroundingThreshold < 0 || c.Executor.GroundingThreshold > 1 {
		return fmt.Errorf("executor.grounding_threshold must be between 0 and 1")
	}
	if c.Memory.TraversalDepth <= 0 {
		return fmt.Errorf("memory.traversal_depth must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
