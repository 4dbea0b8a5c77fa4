package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamplus/yam/pkg/engine"
	"github.com/yamplus/yam/pkg/template"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ConfigDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigDir, ConfigFile), []byte(content), 0o644))
	return dir
}

const sampleConfig = `
clusters:
  - name: dev
    stack: nonprod
    envTag: dev-eu
  - name: prod
    stack: prod
plugins:
  - name: redis
    version: 0.1.0
    directory: plugins/redis
    enable: true
    env:
      TOKEN: inline
lock:
  strategy: cluster-object
  ttl: 5m
values:
  stackPrecedence: override
`

func TestLoad_File(t *testing.T) {
	dir := writeConfig(t, sampleConfig)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Clusters, 2)
	assert.Equal(t, "dev-eu", cfg.Clusters[0].EnvTag)
	assert.Equal(t, engine.LockStrategyCluster, cfg.Lock.Strategy)
	assert.Equal(t, 5*time.Minute, cfg.Lock.TTL)
	assert.Equal(t, template.StackPrecedenceOverride, cfg.Values.StackPrecedence)
	assert.Equal(t, ".yam/state.db", cfg.Store.Path)
	assert.Equal(t, filepath.Join(dir, ConfigDir, ConfigFile), cfg.Source)

	prod, ok := cfg.Cluster("prod")
	assert.True(t, ok)
	assert.Equal(t, "prod", prod.Stack)
	_, ok = cfg.Cluster("qa")
	assert.False(t, ok)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := writeConfig(t, sampleConfig)
	t.Setenv("YAM_LOCK_STRATEGY", "external-service")
	t.Setenv("YAM_LOCK_REDIS_ADDR", "localhost:6379")
	t.Setenv("YAM_STORE_PASSPHRASE", "s3cret")
	t.Setenv("YAM_LOG_LEVEL", "debug")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, engine.LockStrategyExternal, cfg.Lock.Strategy)
	assert.Equal(t, "localhost:6379", cfg.Lock.RedisAddr)
	assert.Equal(t, "s3cret", cfg.Store.Passphrase)
	assert.Equal(t, "debug", cfg.Telemetry.LogLevel)
}

func TestLoad_PluginEnvFile(t *testing.T) {
	dir := writeConfig(t, sampleConfig)
	pluginDir := filepath.Join(dir, "plugins", "redis")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, PluginEnvFile), []byte("TOKEN=from-file\nHOST=cache.local\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TOKEN": "inline", "HOST": "cache.local"}, cfg.Plugins[0].EnvironmentVars)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "no clusters", content: "plugins: []\n"},
		{name: "cluster without stack", content: "clusters:\n  - name: dev\n"},
		{name: "duplicate cluster", content: "clusters:\n  - {name: dev, stack: a}\n  - {name: dev, stack: b}\n"},
		{name: "bad lock strategy", content: "clusters:\n  - {name: dev, stack: a}\nlock:\n  strategy: zookeeper\n"},
		{name: "redis without address", content: "clusters:\n  - {name: dev, stack: a}\nlock:\n  strategy: external-service\n"},
		{name: "bad precedence", content: "clusters:\n  - {name: dev, stack: a}\nvalues:\n  stackPrecedence: sideways\n"},
		{name: "plugin without version", content: "clusters:\n  - {name: dev, stack: a}\nplugins:\n  - {name: x}\n"},
		{name: "duplicate plugin", content: "clusters:\n  - {name: dev, stack: a}\nplugins:\n  - {name: x, version: '1'}\n  - {name: x, version: '2'}\n"},
		{name: "malformed", content: "clusters: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Equal(t, engine.ErrCodeConfig, engine.CodeOf(err))
		})
	}
}

func TestLoad_NoFile(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.True(t, engine.IsUserError(err))
}
