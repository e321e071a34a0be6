package accelerator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chorasync/chora/internal/syncerr"
)

func TestLocateFindsOverridePath(t *testing.T) {
	dir := t.TempDir()
	fake := filepath.Join(dir, "fake-extension")
	if err := os.WriteFile(fake, []byte("not a real library"), 0o600); err != nil {
		t.Fatalf("write fake extension: %v", err)
	}

	path, err := Locate(fake)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if path != fake {
		t.Fatalf("Locate() = %q, want %q", path, fake)
	}
}

func TestLocateUnavailable(t *testing.T) {
	t.Setenv("CRSQLITE_PATH", "")
	_, err := Locate(filepath.Join(t.TempDir(), "does-not-exist"))
	if !syncerr.Is(err, syncerr.ErrAcceleratorUnavailable) {
		t.Fatalf("err = %v, want ErrAcceleratorUnavailable", err)
	}
}

func TestAvailableFalseWhenUnset(t *testing.T) {
	t.Setenv("CRSQLITE_PATH", "")
	if Available(filepath.Join(t.TempDir(), "nope")) {
		t.Fatal("Available() = true, want false")
	}
}

func TestOpenSurfacesUnavailable(t *testing.T) {
	t.Setenv("CRSQLITE_PATH", "")
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	if !syncerr.Is(err, syncerr.ErrAcceleratorUnavailable) {
		t.Fatalf("err = %v, want ErrAcceleratorUnavailable", err)
	}
}
