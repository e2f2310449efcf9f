package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "SHELLMIND_MODEL", "SHELLMIND_HOME", "SHELLMIND_DB", "SHELLMIND_LOG_LEVEL", "OLLAMA_HOST"} {
		t.Setenv(k, "")
	}
}

func TestEnvOverrides_LLM(t *testing.T) {
	t.Run("GEMINI_API_KEY sets provider if empty", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "gem-key", cfg.LLM.APIKey)
		assert.Equal(t, "gemini", cfg.LLM.Provider)
	})

	t.Run("GOOGLE_API_KEY is a fallback only", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("GEMINI_API_KEY", "gem-key")
		t.Setenv("GOOGLE_API_KEY", "google-key")

		cfg := &Config{}
		cfg.applyEnvOverrides()
		assert.Equal(t, "gem-key", cfg.LLM.APIKey)

		t.Setenv("GEMINI_API_KEY", "")
		cfg = &Config{}
		cfg.applyEnvOverrides()
		assert.Equal(t, "google-key", cfg.LLM.APIKey)
	})

	t.Run("SHELLMIND_MODEL overrides model", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("SHELLMIND_MODEL", "gemini-2.5-pro")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
	})
}

func TestEnvOverrides_Paths(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHELLMIND_HOME", "/srv/sm")
	t.Setenv("SHELLMIND_DB", "other.db")
	t.Setenv("OLLAMA_HOST", "http://gpu:11434")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "/srv/sm", cfg.DataDir)
	assert.Equal(t, "/srv/sm/other.db", cfg.StorePath())
	assert.Equal(t, "http://gpu:11434", cfg.Memory.Embedding.OllamaEndpoint)
}

func TestEnvOverrides_LogLevelEnablesLogging(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHELLMIND_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	assert.False(t, cfg.Logging.DebugMode)
	cfg.applyEnvOverrides()

	assert.True(t, cfg.Logging.DebugMode)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
