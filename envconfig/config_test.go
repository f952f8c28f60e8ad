package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/cffi/logutil"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CFFI_CONFIG", filepath.Join(dir, "config.toml"))
	for _, k := range []string{"CFFI_DEBUG", "CFFI_BACKEND", "CFFI_LIBRARY_PATH", "CFFI_TYPE_CACHE_SIZE"} {
		t.Setenv(k, "")
	}
	t.Cleanup(LoadConfig)
	return filepath.Join(dir, "config.toml")
}

func TestDefaults(t *testing.T) {
	isolate(t)
	LoadConfig()
	assert.False(t, Debug)
	assert.Equal(t, slog.LevelInfo, LogLevel)
	assert.Equal(t, "libffi", Backend)
	assert.Empty(t, LibraryPath)
	assert.Equal(t, 256, TypeCacheSize)
	assert.Empty(t, ConfigPath())
}

func TestDebug(t *testing.T) {
	isolate(t)
	cases := []struct {
		value string
		debug bool
		level slog.Level
	}{
		{"", false, slog.LevelInfo},
		{"false", false, slog.LevelInfo},
		{"0", false, slog.LevelInfo},
		{"1", true, slog.LevelDebug},
		{"true", true, slog.LevelDebug},
		{"2", true, logutil.LevelTrace},
		{"'2'", true, logutil.LevelTrace},
		{"yes please", true, slog.LevelDebug},
	}

	for _, tt := range cases {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("CFFI_DEBUG", tt.value)
			LoadConfig()
			assert.Equal(t, tt.debug, Debug)
			assert.Equal(t, tt.level, LogLevel)
		})
	}
}

func TestEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("CFFI_BACKEND", " fake ")
	t.Setenv("CFFI_LIBRARY_PATH", "/opt/a"+string(os.PathListSeparator)+" /opt/b"+string(os.PathListSeparator))
	t.Setenv("CFFI_TYPE_CACHE_SIZE", "16")
	LoadConfig()

	assert.Equal(t, "fake", Backend)
	assert.Equal(t, []string{"/opt/a", "/opt/b"}, LibraryPath)
	assert.Equal(t, 16, TypeCacheSize)

	t.Setenv("CFFI_TYPE_CACHE_SIZE", "-3")
	LoadConfig()
	assert.Equal(t, 256, TypeCacheSize)

	vals := Values()
	assert.Equal(t, "fake", vals["CFFI_BACKEND"])
	assert.Contains(t, AsMap(), "CFFI_DEBUG")
}

func TestConfigFile(t *testing.T) {
	path := isolate(t)
	require.NoError(t, os.WriteFile(path, []byte(`
[backend]
name = "fake"
library_path = ["/usr/lib/demo"]

[types]
cache_size = 32

[logging]
debug = 2
`), 0o644))

	LoadConfig()
	assert.Equal(t, path, ConfigPath())
	assert.Equal(t, "fake", Backend)
	assert.Equal(t, []string{"/usr/lib/demo"}, LibraryPath)
	assert.Equal(t, 32, TypeCacheSize)
	assert.Equal(t, logutil.LevelTrace, LogLevel)

	// the environment wins
	t.Setenv("CFFI_BACKEND", "libffi")
	LoadConfig()
	assert.Equal(t, "libffi", Backend)
	assert.Equal(t, 32, TypeCacheSize)
}

func TestConfigFileErrors(t *testing.T) {
	path := isolate(t)
	require.NoError(t, os.WriteFile(path, []byte("[backend\nname = 1"), 0o644))

	LoadConfig()
	assert.Equal(t, "libffi", Backend)
	assert.Empty(t, ConfigPath())
}

func TestConfigPaths(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("APPDATA layout")
	}

	t.Setenv("CFFI_CONFIG", "/etc/cffi.toml")
	assert.Equal(t, []string{"/etc/cffi.toml"}, GetConfigPaths())

	t.Setenv("CFFI_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	t.Setenv("HOME", "/home/me")
	paths := GetConfigPaths()
	require.NotEmpty(t, paths)
	assert.Contains(t, paths, filepath.Join("/home/me", ".config", "cffi", "config.toml"))
}

func TestExampleConfigDecodes(t *testing.T) {
	path := isolate(t)
	require.NoError(t, os.WriteFile(path, []byte(GenerateExampleConfig()), 0o644))
	LoadConfig()
	assert.Equal(t, path, ConfigPath())
	assert.Equal(t, []string{"/usr/local/lib"}, LibraryPath)
}
