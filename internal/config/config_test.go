package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := LoadFrom(viper.New())

	assert.Equal(t, 37001, cfg.HTTPPort)
	assert.Equal(t, 2500*time.Millisecond, cfg.CatchupPollInterval)
	assert.Equal(t, 10*time.Millisecond, cfg.ReplayDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.PingInterval)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.OpenRouterBaseURL)
	assert.Equal(t, 16, cfg.Semaphore)
	assert.Equal(t, 10*time.Minute, cfg.AgentTimeout)
	assert.False(t, cfg.HackathonClosed)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HACKATHON_API_PORT", "9000")
	t.Setenv("CATCHUP_POLL_INTERVAL_MS", "100")
	t.Setenv("HACKATHON_TIMEOUT", "NULL")
	t.Setenv("HACKATHON_CLOSED", "true")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := LoadFrom(viper.New())

	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, 100*time.Millisecond, cfg.CatchupPollInterval)
	assert.Zero(t, cfg.AgentTimeout)
	assert.True(t, cfg.HackathonClosed)
	assert.Equal(t, "sk-test", cfg.OpenAIAPIKey)
}

func TestParseTimeout(t *testing.T) {
	assert.Equal(t, time.Second, parseTimeout("1000"))
	assert.Zero(t, parseTimeout("null"))
	assert.Zero(t, parseTimeout(""))
	assert.Zero(t, parseTimeout("soon"))
	assert.Zero(t, parseTimeout("-5"))
}
