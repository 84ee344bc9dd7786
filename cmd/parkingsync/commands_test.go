package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarun080/parkingfinder/internal/config"
	"github.com/tarun080/parkingfinder/internal/logging"
	"github.com/tarun080/parkingfinder/internal/query"
)

// runCLI executes the root command and returns what it wrote to stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), config.FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestParseAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	got, err := parseAt("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseAt("2026-03-01T07:30:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*time.Minute), got)

	got, err = parseAt("10 minutes ago", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-10*time.Minute), got)

	_, err = parseAt("2026-03-01T09:00:00Z", now)
	assert.ErrorContains(t, err, "in the future")

	_, err = parseAt("banana", now)
	assert.Error(t, err)
}

func TestReloadIntervals(t *testing.T) {
	path := writeConfig(t, "[sync]\ninterval = \"2m\"\nbackground_interval = \"20m\"\n")

	iv, err := reloadIntervals(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, iv.Interval)
	assert.Equal(t, 20*time.Minute, iv.Background)

	bad := writeConfig(t, "[sync]\ninterval = \"-1m\"\n")
	_, err = reloadIntervals(bad)
	assert.Error(t, err)
}

func TestDaemonConfig(t *testing.T) {
	var err error
	logOut, err = logging.Open(logging.Options{Quiet: true})
	require.NoError(t, err)

	path := writeConfig(t, "[sync]\ninterval = \"1m\"\njitter = 0.0\nfollow = false\n")
	c, err := config.Load(path)
	require.NoError(t, err)

	dcfg := daemonConfig(c)
	assert.Equal(t, time.Minute, dcfg.Scheduler.Interval)
	assert.Equal(t, 0.0, dcfg.Scheduler.Jitter)
	assert.Equal(t, 30*time.Second, dcfg.Scheduler.BackoffBase)
	assert.False(t, dcfg.Follow)
	assert.Equal(t, c.Path(), dcfg.ConfigPath)
	require.NotNil(t, dcfg.Reload)

	// Without a file there is nothing to watch.
	assert.Nil(t, daemonConfig(config.Default()).Reload)
}

func TestCLI_ConfigShow(t *testing.T) {
	path := writeConfig(t, "[remote]\nurl = \"http://spots.test:9000\"\n")

	out, err := runCLI(t, "--quiet", "--config", path, "config", "show", "--format", "json")
	require.NoError(t, err)

	var tree map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &tree))
	assert.Equal(t, "http://spots.test:9000", tree["remote"]["url"])
	assert.Equal(t, "5m0s", tree["sync"]["interval"])
}

func TestCLI_ConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", config.FileName)

	_, err := runCLI(t, "config", "init", path)
	require.NoError(t, err)
	_, err = config.Load(path)
	require.NoError(t, err)

	_, err = runCLI(t, "config", "init", path)
	assert.ErrorContains(t, err, "already exists")
}

func TestCLI_OfflineReportAndNearby(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(
		"[store]\npath = %q\n[remote]\nurl = \"http://127.0.0.1:1\"\n[device]\nreporter = \"tester\"\n",
		filepath.Join(dir, "cache.db")))

	_, err := runCLI(t, "-q", "--config", path, "nearby", "--format", "json")
	assert.ErrorContains(t, err, "no location fix")

	_, err = runCLI(t, "-q", "--config", path, "locate", "--lat", "52.52", "--lon", "13.405", "--accuracy", "5")
	require.NoError(t, err)

	_, err = runCLI(t, "-q", "--config", path, "report", "new",
		"--lat", "52.5201", "--lon", "13.4051", "--label", "B1", "--status", "occupied")
	require.NoError(t, err)

	out, err := runCLI(t, "-q", "--config", path, "nearby", "--format", "json", "--radius", "500")
	require.NoError(t, err)

	var results []query.Result
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	got := results[0]
	assert.Equal(t, "B1", got.Spot.Label)
	assert.Equal(t, "tester", got.Spot.ReportedBy)
	assert.True(t, got.Pending)
	assert.False(t, got.Stale, "a spot never synced is not stale")
	assert.Less(t, got.DistanceMeters, 50.0)
}

func TestCLI_Areas(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(
		"[store]\npath = %q\n[remote]\nurl = \"http://127.0.0.1:1\"\n[device]\nreporter = \"tester\"\n",
		filepath.Join(dir, "cache.db")))

	out, err := runCLI(t, "-q", "--config", path, "areas", "--format", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "No parking areas")

	for _, st := range []string{"free", "free", "occupied"} {
		_, err = runCLI(t, "-q", "--config", path, "report", "new",
			"--lat", "52.5201", "--lon", "13.4051", "--area", "garage-north", "--status", st)
		require.NoError(t, err)
	}
	_, err = runCLI(t, "-q", "--config", path, "report", "new",
		"--lat", "48.1372", "--lon", "11.5756", "--area", "munich-hbf", "--status", "free")
	require.NoError(t, err)

	out, err = runCLI(t, "-q", "--config", path, "areas", "--format", "json",
		"--lat", "52.52", "--lon", "13.405", "--radius", "1000")
	require.NoError(t, err)

	var areas []query.Area
	require.NoError(t, json.Unmarshal([]byte(out), &areas))
	require.Len(t, areas, 1, "munich is outside the radius")
	got := areas[0]
	assert.Equal(t, "garage-north", got.AreaID)
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, 2, got.Free)
	assert.Equal(t, 1, got.Occupied)
	assert.Equal(t, 3, got.Pending)
	assert.Less(t, got.DistanceMeters, 50.0)
}
