package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers the default value for every configuration key.
func SetDefaults() {
	// Server
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 8321)

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Agent
	viper.SetDefault("agent.model", "gpt-4o")
	viper.SetDefault("agent.context_window", 128000)
	viper.SetDefault("agent.max_tokens", 8192)
	viper.SetDefault("agent.auto_save", true)
	viper.SetDefault("agent.max_sessions", 32)
	viper.SetDefault("agent.stream_stall_timeout", 30*time.Second)
	viper.SetDefault("agent.retry.max_attempts", 3)
	viper.SetDefault("agent.retry.base_delay", 1*time.Second)
	viper.SetDefault("agent.retry.max_delay", 30*time.Second)

	// Compaction
	viper.SetDefault("compact.auto_threshold", 0.80)
	viper.SetDefault("compact.keep_recent_tokens", 0)
	viper.SetDefault("compact.split_turn_threshold", 5)

	// Features
	viper.SetDefault("features.sub_agents", true)
	viper.SetDefault("features.skills", true)
	viper.SetDefault("features.mcp", false)
	viper.SetDefault("features.debug", false)

	// OpenAI provider
	viper.SetDefault("openai.endpoint", "https://api.openai.com")
	viper.SetDefault("openai.max_tokens", 8192)

	// Storage
	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.path", "")

	// Skills
	viper.SetDefault("skills.dir", "")
	viper.SetDefault("skills.watch", true)
}
