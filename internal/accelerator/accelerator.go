// Package accelerator locates and describes the optional native CRDT-SQL
// extension (a cr-sqlite-style shared library) that a Journal may delegate
// to for as_crr/site_id/db_version/changes/apply. Nothing in this package
// requires the extension to be present — its absence is the common case,
// not an error condition, and the core journal and merger never depend on
// it.
package accelerator

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/chorasync/chora/internal/syncerr"
)

// Accelerator is the narrow surface a loaded native extension exposes. A
// Journal that holds one may use it in place of its own bbolt-backed
// bookkeeping for a table it has marked as a CRR; everything else about the
// core's contracts (identity triple, clock algebra, watermarks) is
// unaffected.
type Accelerator interface {
	// AsCRR marks table as CRDT-tracked.
	AsCRR(table string) error
	// SiteID returns the extension's own site identifier.
	SiteID() ([]byte, error)
	// DBVersion returns the extension's current database version.
	DBVersion() (uint64, error)
	// ChangesSince returns raw change rows with db_version > since.
	ChangesSince(since uint64) ([][]byte, error)
	// ApplyChanges applies raw change rows produced by another extension
	// instance's ChangesSince.
	ApplyChanges(changes [][]byte) error
	// Close releases any resources held by the extension binding.
	Close() error
}

// libraryName returns the platform-specific shared library file name, or an
// empty string on a platform with no known build.
func libraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "crsqlite.dylib"
	case "linux":
		return "crsqlite.so"
	case "windows":
		return "crsqlite.dll"
	default:
		return ""
	}
}

// searchPaths returns the ordered list of locations checked for the
// extension, mirroring the reference loader: an explicit override first,
// then the CRSQLITE_PATH environment variable, a per-user install
// directory, then common system library directories.
func searchPaths(override string) []string {
	name := libraryName()
	if name == "" {
		return nil
	}

	var paths []string
	if override != "" {
		paths = append(paths, override)
	}
	if envPath := os.Getenv("CRSQLITE_PATH"); envPath != "" {
		paths = append(paths, envPath)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".chora", "extensions", name))
	}
	paths = append(paths, filepath.Join("/usr/local/lib", name))
	paths = append(paths, filepath.Join("/usr/lib", name))
	return paths
}

// Locate returns the path to the extension library, checking override and
// then the standard search locations in order. ErrAcceleratorUnavailable is
// returned if none exist.
func Locate(override string) (string, error) {
	for _, p := range searchPaths(override) {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: no crdt-sql extension found (checked %d locations)", syncerr.ErrAcceleratorUnavailable, len(searchPaths(override)))
}

// Available reports whether an extension can be located, without loading
// it.
func Available(override string) bool {
	_, err := Locate(override)
	return err == nil
}

// Open locates the extension and hands back the path a binding would dlopen.
// Actually loading a platform shared library requires cgo or a
// platform-specific dynamic-loading package outside the corpus's pure-Go
// stack; this function is the seam a build tagged with such a binding would
// implement Accelerator against. Without one, Open always reports
// ErrAcceleratorUnavailable once the path search fails, which is the
// expected outcome in a pure-Go build.
func Open(override string) (Accelerator, error) {
	path, err := Locate(override)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: found extension at %s but this build has no native binding compiled in", syncerr.ErrAcceleratorUnavailable, path)
}
