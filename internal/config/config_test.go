package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 8, cfg.Auth.MinPasswordLength)
	assert.Empty(t, cfg.Webhooks)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("server:\n  addr: 0.0.0.0:9000\nlog:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad level":     "log:\n  level: loud\n",
		"bad ttl":       "auth:\n  token_ttl: 0s\n",
		"short pw":      "auth:\n  min_password_length: 3\n",
		"relative path": "server:\n  base_path: v1\n",
		"webhook url":   "webhooks:\n  - url: not-a-url\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestWebhookWants(t *testing.T) {
	hook := config.WebhookConfig{URL: "https://example.com", Events: []string{"task.*", "employee.deactivated"}}
	assert.True(t, hook.Wants("task.created"))
	assert.True(t, hook.Wants("employee.deactivated"))
	assert.False(t, hook.Wants("employee.created"))
	assert.True(t, config.WebhookConfig{}.Wants("anything"))
	assert.True(t, hook.IsEnabled())
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOrDefault(dir)
	require.NoError(t, err)
	def, err := config.Default()
	require.NoError(t, err)
	assert.Equal(t, def, cfg)

	_, err = config.Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
}
