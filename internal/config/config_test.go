package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 1, cfg.Server.Workers)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 24, cfg.Storage.CleanupMaxAgeHours)
	assert.Equal(t, "inline", cfg.Worker.Mode)
	assert.Equal(t, "none", cfg.Artifacts.Backend)
	assert.Equal(t, "chad_goldstein", cfg.Personas.DefaultID)
	assert.Equal(t, 10*time.Second, cfg.HeyGen.PollInterval)
	assert.Equal(t, 600*time.Second, cfg.HeyGen.MaxWait)
	assert.Equal(t, int64(200*1024*1024), cfg.Files.MaxUploadSize)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("JOB_STORAGE", "Redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("WORKERS", "4")
	t.Setenv("WORKER_MODE", "asynq")
	t.Setenv("HEYGEN_POLL_INTERVAL", "2s")
	t.Setenv("DEFAULT_PERSONA_ID", "roastmaster")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "redis://localhost:6379/2", cfg.Redis.URL)
	assert.Equal(t, 4, cfg.Server.Workers)
	assert.Equal(t, "asynq", cfg.Worker.Mode)
	assert.Equal(t, 2*time.Second, cfg.HeyGen.PollInterval)
	assert.Equal(t, "roastmaster", cfg.Personas.DefaultID)
}

func TestLoadReadsSecretFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openai_key")
	require.NoError(t, os.WriteFile(path, []byte("sk-from-file\n"), 0o600))
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-from-file", cfg.OpenAI.APIKey)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("JOB_STORAGE", "cassandra")
	t.Setenv("WORKER_MODE", "asynq")
	t.Setenv("REDIS_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown storage backend "cassandra"`)
	assert.Contains(t, err.Error(), "requires REDIS_URL")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:    ServerConfig{Workers: 1},
			Storage:   StorageConfig{Backend: "memory"},
			Worker:    WorkerConfig{Mode: "inline"},
			Artifacts: ArtifactsConfig{Backend: "none"},
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero workers", func(c *Config) { c.Server.Workers = 0 }},
		{"unknown worker mode", func(c *Config) { c.Worker.Mode = "celery" }},
		{"unknown artifact backend", func(c *Config) { c.Artifacts.Backend = "gcs" }},
		{"asynq without redis", func(c *Config) { c.Worker.Mode = "asynq" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
