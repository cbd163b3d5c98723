// Package config loads and holds the runtime configuration. Precedence
// is environment variables over config file over defaults.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"loom/internal/provider/openai"
	"loom/pkg/logger"
)

// Config is the root configuration structure.
type Config struct {
	Version string `mapstructure:"version" yaml:"version"`

	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Compact  CompactConfig  `mapstructure:"compact" yaml:"compact"`
	Features FeaturesConfig `mapstructure:"features" yaml:"features"`
	OpenAI   openai.Config  `mapstructure:"openai" yaml:"openai"`
	Log      logger.Config  `mapstructure:"log" yaml:"log"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Skills   SkillsConfig   `mapstructure:"skills" yaml:"skills"`
}

// ServerConfig configures the HTTP/WebSocket server.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// AgentConfig configures per-session agent behaviour.
type AgentConfig struct {
	Model         string `mapstructure:"model" yaml:"model"`
	SystemPrompt  string `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
	WorkingDir    string `mapstructure:"working_dir" yaml:"working_dir,omitempty"`
	ContextWindow int    `mapstructure:"context_window" yaml:"context_window"`
	MaxTokens     int    `mapstructure:"max_tokens" yaml:"max_tokens"`

	// AutoSave persists the session on every return to idle.
	AutoSave bool `mapstructure:"auto_save" yaml:"auto_save"`

	// MaxSessions rejects session creation beyond this count. Zero means
	// unlimited.
	MaxSessions int `mapstructure:"max_sessions" yaml:"max_sessions"`

	StreamStallTimeout time.Duration `mapstructure:"stream_stall_timeout" yaml:"stream_stall_timeout"`

	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig configures transient-error backoff.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// CompactConfig configures context compaction.
type CompactConfig struct {
	// AutoThreshold is the fraction of the context window that triggers
	// auto-compaction at turn start.
	AutoThreshold float64 `mapstructure:"auto_threshold" yaml:"auto_threshold"`

	// KeepRecentTokens is the default recent window preserved by a
	// compaction. Zero means context_window / 4.
	KeepRecentTokens int `mapstructure:"keep_recent_tokens" yaml:"keep_recent_tokens"`

	// SplitTurnThreshold is the minimum length of an in-progress turn
	// prefix that gets its own summary when a cut lands inside it.
	SplitTurnThreshold int `mapstructure:"split_turn_threshold" yaml:"split_turn_threshold"`
}

// FeaturesConfig toggles tool groups at session start.
type FeaturesConfig struct {
	SubAgents bool `mapstructure:"sub_agents" yaml:"sub_agents"`
	Skills    bool `mapstructure:"skills" yaml:"skills"`
	MCP       bool `mapstructure:"mcp" yaml:"mcp"`
	Debug     bool `mapstructure:"debug" yaml:"debug"`
}

// StorageConfig configures the session index database.
type StorageConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// SkillsConfig configures the skill loader.
type SkillsConfig struct {
	Dir   string `mapstructure:"dir" yaml:"dir"`
	Watch bool   `mapstructure:"watch" yaml:"watch"`
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load reads configuration with precedence ENV > file > defaults. A
// missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("LOOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, err
			}
			if !os.IsNotExist(err) {
				var pathErr *os.PathError
				if !errors.As(err, &pathErr) {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the currently loaded configuration.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Save writes the current settings back to the config file.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}
	// 0600: the file may contain API keys.
	return os.WriteFile(configPath, data, 0600)
}

// SaveTo writes a configuration to an explicit path.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Reset clears all configuration state. For tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}
