// Package libffi is the native backend: calls go through libffi and
// libraries are opened with dlopen. It needs cgo and libffi's pkg-config
// files; without cgo the package only provides library name resolution and
// registers nothing.
package libffi

import (
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/exp/slices"
)

// candidates lists the paths tried, in order, when opening library name.
// Bare names are looked up as given and as lib<name>.so with the usual
// version suffixes, first in each directory of paths and then through the
// system loader.
func candidates(name string, paths []string) []string {
	if name == "" || strings.ContainsRune(name, '/') {
		return []string{name}
	}

	names := []string{name}
	var versioned string
	if !strings.Contains(name, ".so") && !strings.HasSuffix(name, ".dylib") {
		base := name
		if !strings.HasPrefix(base, "lib") {
			base = "lib" + base
		}

		switch runtime.GOOS {
		case "darwin", "ios":
			names = append(names, base+".dylib")
		default:
			names = append(names, base+".so", base+".so.6", base+".so.1")
			versioned = base + ".so.*"
		}
	}

	var out []string
	for _, dir := range paths {
		if dir == "" {
			continue
		}

		for _, n := range names {
			out = append(out, filepath.Join(dir, n))
		}

		if versioned != "" {
			matches, _ := filepath.Glob(filepath.Join(dir, versioned))
			for _, m := range matches {
				if !slices.Contains(out, m) {
					out = append(out, m)
				}
			}
		}
	}

	return append(out, names...)
}
