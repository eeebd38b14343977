package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Service.Host)
	assert.Equal(t, 8574, cfg.Service.Port)
	assert.Equal(t, "127.0.0.1:8574", cfg.Address())
	assert.True(t, cfg.API.Enabled)

	assert.Equal(t, 15*time.Minute, cfg.IdleTimeout())
	assert.Equal(t, 1500*time.Millisecond, cfg.Debounce())
	assert.Equal(t, time.Minute, cfg.MinLogDuration())
	assert.Equal(t, 5*time.Second, cfg.Tick())

	assert.Equal(t, 2, cfg.Jira.MaxConcurrent)
	assert.Equal(t, 5, cfg.Jira.MaxAttempts)
	assert.False(t, cfg.JiraConfigured())
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8574, cfg.Service.Port)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
service:
  port: 9000
jira:
  url: https://example.atlassian.net
  username: me@example.com
  api_token: secret
tracking:
  idle_timeout_min: 30
  project_keys: [PROJ, ABC]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Service.Port)
	assert.Equal(t, "127.0.0.1", cfg.Service.Host, "unset fields keep defaults")
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout())
	assert.Equal(t, []string{"PROJ", "ABC"}, cfg.Tracking.ProjectKeys)
	assert.True(t, cfg.JiraConfigured())
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("DEVPEACE_TEST_TOKEN", "from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
jira:
  url: https://example.atlassian.net
  username: me@example.com
  api_token: ${DEVPEACE_TEST_TOKEN}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Jira.APIToken)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Service.Port = 9999
	cfg.Jira.URL = "https://example.atlassian.net"
	cfg.Tracking.ProjectKeys = []string{"PROJ"}
	require.NoError(t, cfg.Save(path))

	// Credentials end up on disk, keep the file private
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, loaded.Service.Port)
	assert.Equal(t, "https://example.atlassian.net", loaded.Jira.URL)
	assert.Equal(t, []string{"PROJ"}, loaded.Tracking.ProjectKeys)
}

func TestPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Service.DataDir = "/data/devpeace"

	assert.Equal(t, filepath.Join("/data/devpeace", "devpeace.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("/data/devpeace", "logs", "devpeace.log"), cfg.LogPath())
	assert.Equal(t, filepath.Join("/data/devpeace", "devpeace.pid"), cfg.PIDPath())
}

func TestLoadRepoOverride(t *testing.T) {
	dir := t.TempDir()

	// Missing file is fine
	ov, err := LoadRepoOverride(dir)
	require.NoError(t, err)
	require.NotNil(t, ov)
	assert.Empty(t, ov.Name)
	assert.Nil(t, ov.Enabled)

	data := `
name = "renamed"
enabled = false
project_keys = ["LOCAL"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, OverrideFileName), []byte(data), 0644))

	ov, err = LoadRepoOverride(dir)
	require.NoError(t, err)
	assert.Equal(t, "renamed", ov.Name)
	require.NotNil(t, ov.Enabled)
	assert.False(t, *ov.Enabled)
	assert.Equal(t, []string{"LOCAL"}, ov.ProjectKeys)
}

func TestLoadRepoOverride_BadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, OverrideFileName), []byte("not [valid"), 0644))

	_, err := LoadRepoOverride(dir)
	assert.Error(t, err)
}

func TestProjectKeysFor_Merge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracking.ProjectKeys = []string{"PROJ", "ABC"}

	assert.Equal(t, []string{"PROJ", "ABC"}, cfg.ProjectKeysFor(nil))
	assert.Equal(t, []string{"PROJ", "ABC"}, cfg.ProjectKeysFor(&RepoOverride{}))

	merged := cfg.ProjectKeysFor(&RepoOverride{ProjectKeys: []string{"ABC", "LOCAL"}})
	assert.Equal(t, []string{"PROJ", "ABC", "LOCAL"}, merged)
}
