package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scpid.yaml")
	if err := os.WriteFile(path, []byte("port: 6000\n"), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 6000 {
		t.Fatalf("Port = %d, want 6000", cfg.Port)
	}
	if !cfg.BindLocal {
		t.Fatal("BindLocal should default to true when unset in YAML")
	}
	if cfg.MaxClients != 10 {
		t.Fatalf("MaxClients = %d, want the default of 10", cfg.MaxClients)
	}
}

func TestLoadOverridesEveryField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scpid.yaml")
	doc := "" +
		"port: 5030\n" +
		"bind_local: false\n" +
		"ipv6_enabled: false\n" +
		"max_clients: 20\n" +
		"write_lock_enabled: true\n" +
		"lock_timeout: 30s\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Config{
		Port:             5030,
		BindLocal:        false,
		IPv6Enabled:      false,
		MaxClients:       20,
		WriteLockEnabled: true,
		LockTimeout:      Duration(30 * time.Second),
	}
	if cfg != want {
		t.Fatalf("got %+v, want %+v", cfg, want)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error loading a nonexistent config file")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scpid.yaml")
	if err := os.WriteFile(path, []byte("port: 5025\n"), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	reloaded := make(chan Config, 1)
	w, err := Watch(path, func(cfg Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("port: 7000\n"), 0644); err != nil {
		t.Fatalf("rewriting fixture: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Port != 7000 {
			t.Fatalf("reloaded Port = %d, want 7000", cfg.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a reload after writing the config file")
	}
}
