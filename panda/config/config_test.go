package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Kernel.MutexRecursion)
	assert.Equal(t, uint64(4468530), cfg.CyclesPerFrame())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.System.Language = LanguageJapanese
	cfg.System.BatteryPercentage = 5
	cfg.Kernel.MutexRecursion = false
	cfg.Log.Level = "debug"

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("system:\n  username: Alice\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Alice", cfg.System.Username)
	assert.Equal(t, Default().Kernel, cfg.Kernel)
}

func TestLoadInvalid(t *testing.T) {
	testCases := []struct {
		desc    string
		content string
	}{
		{desc: "malformed yaml", content: "cpu: [1, 2"},
		{desc: "unknown language", content: "system:\n  language: xx\n"},
		{desc: "battery out of range", content: "system:\n  battery_percentage: 150\n"},
		{desc: "zero fps", content: "frame:\n  fps: 0\n"},
		{desc: "bad log level", content: "log:\n  level: loud\n"},
		{desc: "negative debug history", content: "log:\n  debug_history: -1\n"},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tC.content), 0o644))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestCodes(t *testing.T) {
	code, ok := LanguageEnglish.Code()
	assert.True(t, ok)
	assert.Equal(t, uint8(1), code)

	code, ok = RegionEurope.Code()
	assert.True(t, ok)
	assert.Equal(t, uint8(2), code)

	_, ok = Model("GBA").Code()
	assert.False(t, ok)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}
