package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	return dir
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 15*time.Minute, cfg.Sync.BackgroundInterval)
	assert.Equal(t, 10*time.Second, cfg.Sync.ManualMinSpacing)
	assert.Equal(t, 200, cfg.Sync.PageSize)
	assert.True(t, cfg.Sync.Follow)
	assert.Equal(t, 100.0, cfg.Location.MaxAccuracy)
	assert.Equal(t, ":8090", cfg.Server.Addr)
}

func TestLoad_NoFile(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Path())
	assert.Equal(t, Default().Sync, cfg.Sync)
}

func TestLoad_ExplicitMissing(t *testing.T) {
	dir := isolate(t)
	_, err := Load(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := isolate(t)
	body := `
[sync]
interval = "2m"
jitter = 0.5

[remote]
url = "https://parking.example.com"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0644))
	t.Setenv("PARKINGSYNC_REMOTE_TOKEN", "s3cret")
	t.Setenv("PARKINGSYNC_SYNC_PAGE_SIZE", "50")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, FileName, filepath.Base(cfg.Path()))
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 0.5, cfg.Sync.Jitter)
	assert.Equal(t, "https://parking.example.com", cfg.Remote.URL)
	assert.Equal(t, "s3cret", cfg.Remote.Token)
	assert.Equal(t, 50, cfg.Sync.PageSize)
	// Untouched keys keep their defaults.
	assert.Equal(t, 15*time.Minute, cfg.Sync.BackgroundInterval)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\ninterval = \"2m\"\n"), 0644))
	t.Setenv("PARKINGSYNC_SYNC_INTERVAL", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Sync.Interval)
}

func TestLoad_Invalid(t *testing.T) {
	dir := isolate(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"zero interval", "[sync]\ninterval = \"0s\"\n", "sync.interval must be positive"},
		{"jitter", "[sync]\njitter = 2.0\n", "sync.jitter"},
		{"backoff order", "[sync]\nbackoff_base = \"1h\"\nbackoff_max = \"1m\"\n", "sync.backoff_max"},
		{"bad toml", "[sync\n", "failed to read config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0644))
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "conf", FileName)

	require.NoError(t, WriteDefault(path, false))
	require.Error(t, WriteDefault(path, false))
	require.NoError(t, WriteDefault(path, true))

	var raw map[string]map[string]any
	_, err := toml.DecodeFile(path, &raw)
	require.NoError(t, err)
	assert.Equal(t, "5m0s", raw["sync"]["interval"])

	cfg, err := Load(path)
	require.NoError(t, err)
	want := Default()
	assert.Equal(t, want.Sync, cfg.Sync)
	assert.Equal(t, want.Log, cfg.Log)
	assert.Equal(t, want.Remote, cfg.Remote)
	assert.Equal(t, want.Location, cfg.Location)
}
