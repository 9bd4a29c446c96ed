// Package config provides configuration for the hackathon session server.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Storage
	DatabaseURL string
	RedisURL    string

	// Agent vendors
	OpenAIAPIKey         string
	OpenRouterAPIKey     string
	OpenRouterBaseURL    string
	ClaudeCodeCLIBaseURL string
	RemoteAgentURL       string
	Semaphore            int
	// AgentTimeout bounds a single turn. Zero means no limit.
	AgentTimeout        time.Duration
	SimulatorDelayScale float64

	// Resumption
	CatchupPollInterval time.Duration
	ReplayDelay         time.Duration
	PingInterval        time.Duration
	SendTimeout         time.Duration
	SendBuffer          int
	SnapshotQueueSize   int

	// Connection sweeping
	ConnectionStaleAfter time.Duration
	SweepInterval        time.Duration

	HackathonClosed bool

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return LoadFrom(viper.New())
}

// LoadFrom reads configuration through v, applying defaults for unset keys.
func LoadFrom(v *viper.Viper) *Config {
	setDefaults(v)
	v.AutomaticEnv()

	return &Config{
		HTTPPort:             v.GetInt("HACKATHON_API_PORT"),
		DatabaseURL:          v.GetString("DATABASE_URL"),
		RedisURL:             v.GetString("REDIS_URL"),
		OpenAIAPIKey:         v.GetString("OPENAI_API_KEY"),
		OpenRouterAPIKey:     v.GetString("OPENROUTER_API_KEY"),
		OpenRouterBaseURL:    v.GetString("OPENROUTER_BASE_URL"),
		ClaudeCodeCLIBaseURL: v.GetString("CLAUDE_CODE_CLI_BASE_URL"),
		RemoteAgentURL:       v.GetString("REMOTE_AGENT_URL"),
		Semaphore:            v.GetInt("HACKATHON_SEMAPHORE"),
		AgentTimeout:         parseTimeout(v.GetString("HACKATHON_TIMEOUT")),
		SimulatorDelayScale:  v.GetFloat64("SIMULATOR_DELAY_SCALE"),
		CatchupPollInterval:  millis(v, "CATCHUP_POLL_INTERVAL_MS"),
		ReplayDelay:          millis(v, "REPLAY_DELAY_MS"),
		PingInterval:         millis(v, "PING_INTERVAL_MS"),
		SendTimeout:          millis(v, "SEND_TIMEOUT_MS"),
		SendBuffer:           v.GetInt("SEND_BUFFER"),
		SnapshotQueueSize:    v.GetInt("SNAPSHOT_QUEUE_SIZE"),
		ConnectionStaleAfter: millis(v, "CONNECTION_STALE_AFTER_MS"),
		SweepInterval:        millis(v, "CONNECTION_SWEEP_INTERVAL_MS"),
		HackathonClosed:      v.GetBool("HACKATHON_CLOSED"),
		LogLevel:             v.GetString("LOG_LEVEL"),
		LogFormat:            v.GetString("LOG_FORMAT"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HACKATHON_API_PORT", 37001)
	v.SetDefault("DATABASE_URL", "file:hackathon.db?cache=shared&mode=rwc&_busy_timeout=5000&_txlock=immediate")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENROUTER_API_KEY", "")
	v.SetDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("CLAUDE_CODE_CLI_BASE_URL", "")
	v.SetDefault("REMOTE_AGENT_URL", "")
	v.SetDefault("HACKATHON_SEMAPHORE", 16)
	v.SetDefault("HACKATHON_TIMEOUT", "600000")
	v.SetDefault("SIMULATOR_DELAY_SCALE", 1.0)
	v.SetDefault("CATCHUP_POLL_INTERVAL_MS", 2500)
	v.SetDefault("REPLAY_DELAY_MS", 10)
	v.SetDefault("PING_INTERVAL_MS", 500)
	v.SetDefault("SEND_TIMEOUT_MS", 5000)
	v.SetDefault("SEND_BUFFER", 1024)
	v.SetDefault("SNAPSHOT_QUEUE_SIZE", 1024)
	v.SetDefault("CONNECTION_STALE_AFTER_MS", 60000)
	v.SetDefault("CONNECTION_SWEEP_INTERVAL_MS", 30000)
	v.SetDefault("HACKATHON_CLOSED", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

// parseTimeout reads HACKATHON_TIMEOUT, where "NULL" disables the limit.
func parseTimeout(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "NULL") {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
