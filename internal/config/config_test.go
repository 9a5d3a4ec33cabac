package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesTemplateOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	_, err := Load(path)
	require.ErrorIs(t, err, ErrTemplateWritten)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "broker_url")
	assert.Contains(t, string(data), "max_tasks_sametime")

	// second run parses the template it just wrote
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "celery", cfg.Queue)
	assert.Equal(t, 2, cfg.PrefetchCount)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := defaults()
		c.JudgerUUID = "test-uuid"
		return c
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.PrefetchCount = 1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.MaxTasksSametime = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.WebAPIURL = "http://127.0.0.1:8080"
	assert.Error(t, cfg.Validate(), "base url without trailing slash must be rejected")
}

func TestEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	_, err := Load(path)
	require.ErrorIs(t, err, ErrTemplateWritten)

	t.Setenv("JUDGER_BROKER_URL", "redis://broker.internal:6380")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://broker.internal:6380", cfg.BrokerURL)
}
