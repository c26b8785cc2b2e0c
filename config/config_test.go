package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Entropy.PrefixBytes)
	assert.Equal(t, 2.0, cfg.Entropy.DeltaThreshold)
	assert.Equal(t, 60, cfg.Behavior.WindowSeconds)
	assert.Equal(t, 20, cfg.Behavior.MassThreshold)
	assert.Equal(t, 10, cfg.Behavior.MassWindowSeconds)
	assert.Equal(t, 48, cfg.Backup.RetentionHours)
	assert.Equal(t, 100, cfg.Backup.MinFreeMB)
	assert.False(t, cfg.Response.SafeMode)
	assert.True(t, cfg.Monitor.Recursive)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"monitor": {"watch_directories": ["/home/u/docs"], "exclude_directories": [".git"]},
		"behavior": {"window_seconds": 90},
		"response": {"safe_mode": true, "process_whitelist": ["7z.exe"]},
		"logging": {"level": "debug"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"/home/u/docs"}, cfg.Monitor.WatchDirectories)
	assert.Equal(t, 90, cfg.Behavior.WindowSeconds)
	assert.True(t, cfg.Response.SafeMode)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep defaults
	assert.Equal(t, 1024, cfg.Entropy.PrefixBytes)
}

func TestLoad_InvalidIsFatal(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"negative prefix", `{"entropy": {"prefix_bytes": -1}}`},
		{"zero window", `{"behavior": {"window_seconds": 0}}`},
		{"mass window exceeds window", `{"behavior": {"window_seconds": 5, "mass_window_seconds": 10}}`},
		{"bad log level", `{"logging": {"level": "verbose"}}`},
		{"malformed json", `{"logging": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSet_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	require.NoError(t, Set(path, "behavior.window_seconds", "120"))
	require.NoError(t, Set(path, "response.safe_mode", "true"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Behavior.WindowSeconds)
	assert.True(t, cfg.Response.SafeMode)
}

func TestSet_RejectsUnknownKeyAndInvalidValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	assert.Error(t, Set(path, "nonsense.key", "1"))
	assert.Error(t, Set(path, "behavior.window_seconds", "-5"))
}

func TestIsWhitelisted(t *testing.T) {
	cfg := &Config{Response: ResponseConfig{ProcessWhitelist: []string{"7z.exe", "rsync"}}}

	assert.True(t, cfg.IsWhitelisted("7z.exe"))
	assert.True(t, cfg.IsWhitelisted("7Z.EXE"))
	assert.False(t, cfg.IsWhitelisted("evil.exe"))
}
