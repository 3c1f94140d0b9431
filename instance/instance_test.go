package instance

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesPidAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scpid.pid")

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading pidfile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected a non-empty pidfile")
	}

	if err := g.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected the pidfile to be removed after Release")
	}
}

func TestAcquireConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scpid.pid")

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	if _, err := Acquire(path); err == nil {
		t.Fatal("expected a second Acquire on the same pidfile to fail")
	}
}

func TestAcquireConflictDescribesHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scpid.pid")

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	_, err = Acquire(path)
	if err == nil {
		t.Fatal("expected a second Acquire on the same pidfile to fail")
	}
	want := fmt.Sprintf("pid %d", os.Getpid())
	if !strings.Contains(err.Error(), want) {
		t.Fatalf("expected the conflict error to name the holder, got %q", err.Error())
	}
}

func TestDescribeHolderDegradesGracefully(t *testing.T) {
	if got := describeHolder(filepath.Join(t.TempDir(), "missing.pid")); got != "holder unknown" {
		t.Fatalf("describeHolder on a missing pidfile = %q, want %q", got, "holder unknown")
	}

	path := filepath.Join(t.TempDir(), "garbage.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if got := describeHolder(path); got != "holder unknown" {
		t.Fatalf("describeHolder on a non-numeric pidfile = %q, want %q", got, "holder unknown")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scpid.pid")

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("second Release should be a no-op, got: %v", err)
	}
}
