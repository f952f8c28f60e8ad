package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ollama/cffi/logutil"
)

var (
	// Set via CFFI_DEBUG in the environment
	Debug bool
	// Log level derived from CFFI_DEBUG
	LogLevel slog.Level
	// Set via CFFI_BACKEND in the environment
	Backend string
	// Set via CFFI_LIBRARY_PATH in the environment
	LibraryPath []string
	// Set via CFFI_TYPE_CACHE_SIZE in the environment
	TypeCacheSize int
)

const (
	defaultBackend       = "libffi"
	defaultTypeCacheSize = 256
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"CFFI_BACKEND":         {"CFFI_BACKEND", Backend, "Backend used to realize types and call functions (default \"libffi\")"},
		"CFFI_CONFIG":          {"CFFI_CONFIG", clean("CFFI_CONFIG"), "Path to a TOML configuration file"},
		"CFFI_DEBUG":           {"CFFI_DEBUG", Debug, "Show additional debug information (e.g. CFFI_DEBUG=1, CFFI_DEBUG=2 for call traces)"},
		"CFFI_LIBRARY_PATH":    {"CFFI_LIBRARY_PATH", LibraryPath, "Directories searched before the system loader when opening libraries"},
		"CFFI_TYPE_CACHE_SIZE": {"CFFI_TYPE_CACHE_SIZE", TypeCacheSize, "Number of parsed type strings cached per session (default 256)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// lookup prefers the environment over the config file
func lookup(key string) string {
	if v := clean(key); v != "" {
		return v
	}
	return GetConfigValue(key)
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	reloadConfigFile()

	Debug, LogLevel = false, slog.LevelInfo
	if debug := lookup("CFFI_DEBUG"); debug != "" {
		Debug, LogLevel = parseDebug(debug)
	}

	Backend = defaultBackend
	if b := lookup("CFFI_BACKEND"); b != "" {
		Backend = b
	}

	LibraryPath = nil
	if paths := lookup("CFFI_LIBRARY_PATH"); paths != "" {
		for _, p := range filepath.SplitList(paths) {
			if p = strings.TrimSpace(p); p != "" {
				LibraryPath = append(LibraryPath, p)
			}
		}
	}

	TypeCacheSize = defaultTypeCacheSize
	if size := lookup("CFFI_TYPE_CACHE_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n <= 0 {
			slog.Error("invalid setting must be greater than zero", "CFFI_TYPE_CACHE_SIZE", size, "error", err)
		} else {
			TypeCacheSize = n
		}
	}
}

// parseDebug accepts a boolean or a verbosity: 1 is debug, 2 and above is
// trace. Anything else turns debugging on.
func parseDebug(s string) (bool, slog.Level) {
	if n, err := strconv.Atoi(s); err == nil {
		switch {
		case n <= 0:
			return false, slog.LevelInfo
		case n == 1:
			return true, slog.LevelDebug
		default:
			return true, logutil.LevelTrace
		}
	}

	if b, err := strconv.ParseBool(s); err == nil && !b {
		return false, slog.LevelInfo
	}

	return true, slog.LevelDebug
}
