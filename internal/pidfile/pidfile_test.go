package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireWritesPidAndLocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcastbridged.pid")

	pf, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pf.Release()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got := strings.TrimSuffix(string(b), "\n")
	want := strconv.Itoa(os.Getpid())
	if got != want {
		t.Fatalf("pidfile contents = %q, want %q", got, want)
	}
}

func TestAcquireFailsWhenAlreadyLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcastbridged.pid")

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire (first): %v", err)
	}
	defer first.Release()

	if _, err := Acquire(path); err == nil {
		t.Fatal("Acquire (second): expected error, got nil")
	}
}

func TestReleaseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcastbridged.pid")

	pf, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := pf.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("Stat after Release: err = %v, want IsNotExist", err)
	}
}
