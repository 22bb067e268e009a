package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.ChatContextWindowSize)
	assert.Equal(t, 100, cfg.FreeMonthlyCredits)
	assert.Equal(t, "chat_jobs", cfg.RabbitQueue)
	assert.Equal(t, 24*time.Hour, cfg.JWTTTL)
}

func TestLoad_ClampsOutOfRangeValues(t *testing.T) {
	t.Setenv("CHAT_CONTEXT_WINDOW_SIZE", "500")
	t.Setenv("WORKER_CONCURRENCY", "99")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.ChatContextWindowSize)
	assert.Equal(t, 50, cfg.WorkerConcurrency)
}

func TestLoad_InvalidNumber(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")

	_, err := Load()
	require.Error(t, err)
}

func TestDefaultModel_FollowsProvider(t *testing.T) {
	t.Setenv("AI_PROVIDER", "OpenRouter")
	t.Setenv("OPENROUTER_MODEL", "some/model")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "some/model", cfg.DefaultModel())

	cfg.AIProvider = "ollama"
	assert.Equal(t, cfg.OllamaModel, cfg.DefaultModel())
	assert.Equal(t, cfg.OllamaModel, cfg.Providers().OllamaModel)
}
