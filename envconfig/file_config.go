package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	Backend struct {
		Name        string   `toml:"name"`
		LibraryPath []string `toml:"library_path"`
	} `toml:"backend"`

	Types struct {
		CacheSize int `toml:"cache_size"`
	} `toml:"types"`

	Logging struct {
		Debug int `toml:"debug"`
	} `toml:"logging"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

func reloadConfigFile() {
	configOnce = sync.Once{}
	config, configPath = nil, ""
}

// GetConfigPaths returns the list of possible config file paths for the current OS.
// CFFI_CONFIG, when set, is the only candidate.
func GetConfigPaths() []string {
	if p := clean("CFFI_CONFIG"); p != "" {
		return []string{p}
	}

	var paths []string

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "cffi", "config.toml"))
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err == nil {
			paths = append(paths,
				filepath.Join(home, "Library", "Application Support", "cffi", "config.toml"),
				filepath.Join(home, ".config", "cffi", "config.toml"),
			)
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "cffi", "config.toml"))
		}
		home, err := os.UserHomeDir()
		if err == nil {
			paths = append(paths, filepath.Join(home, ".config", "cffi", "config.toml"))
		}
	}

	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// ConfigPath returns the file the configuration was read from, if any.
func ConfigPath() string {
	GetConfigValue("")
	return configPath
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	if config == nil {
		return ""
	}

	switch key {
	case "CFFI_BACKEND":
		return config.Backend.Name
	case "CFFI_LIBRARY_PATH":
		if len(config.Backend.LibraryPath) > 0 {
			return strings.Join(config.Backend.LibraryPath, string(os.PathListSeparator))
		}
	case "CFFI_TYPE_CACHE_SIZE":
		if config.Types.CacheSize > 0 {
			return strconv.Itoa(config.Types.CacheSize)
		}
	case "CFFI_DEBUG":
		if config.Logging.Debug > 0 {
			return strconv.Itoa(config.Logging.Debug)
		}
	}

	return ""
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# cffi configuration file
# Environment variables take precedence over these values.

[backend]
# Backend used to realize types and call functions: "libffi" or "fake" (default: "libffi")
name = "libffi"
# Directories searched before the system loader when opening libraries
library_path = ["/usr/local/lib"]

[types]
# Number of parsed type strings cached per session (default: 256)
cache_size = 256

[logging]
# 0 off, 1 debug, 2 trace native calls (default: 0)
debug = 0
`
}
