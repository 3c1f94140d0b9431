// Package config loads and hot-reloads the YAML configuration file used by
// cmd/scpid: listener bind parameters, client limits, and lock behavior.
//
// Grounded on gopkg.in/yaml.v3 and github.com/fsnotify/fsnotify, both
// direct dependencies of _examples/gravwell-gravwell's go.mod; the
// watch-and-reload shape follows gravwell's filewatch.WatchManager
// (fsnotify.NewWatcher, a watcher goroutine selecting on fsnotify.Event)
// adapted from "track many files, dispatch per-file followers" down to
// "track one config file, reload and callback".
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/scpigo/scpid/lock"
	"github.com/scpigo/scpid/listener"
	"github.com/scpigo/scpid/scpilog"
)

var logger = scpilog.New("config")

// Duration wraps time.Duration so that YAML values like "30s" or "1m"
// parse directly; yaml.v3 has no built-in support for time.Duration.
type Duration time.Duration

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config mirrors the facade's and listener's constructor parameters, plus
// the lock idle timeout, as a YAML document.
type Config struct {
	Port             int      `yaml:"port"`
	BindLocal        bool     `yaml:"bind_local"`
	IPv6Enabled      bool     `yaml:"ipv6_enabled"`
	MaxClients       int      `yaml:"max_clients"`
	WriteLockEnabled bool     `yaml:"write_lock_enabled"`
	LockTimeout      Duration `yaml:"lock_timeout"`
}

// Default returns the configuration matching spec.md's constructor
// defaults (port 5025, max_clients 10, 60s lock timeout, loopback-only).
func Default() Config {
	return Config{
		Port:        listener.DefaultPort,
		BindLocal:   true,
		IPv6Enabled: true,
		MaxClients:  listener.DefaultMaxClients,
		LockTimeout: Duration(lock.DefaultTimeout),
	}
}

// Load reads and parses path, filling in Default() for any zero-valued
// field left unset by the YAML document.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher observes path for writes and re-parses it, invoking onChange with
// the freshly loaded Config. A parse error is logged and the previous
// configuration is left untouched.
type Watcher struct {
	path     string
	fw       *fsnotify.Watcher
	onChange func(Config)

	mu     sync.Mutex
	closed bool
}

// Watch starts observing path. onChange is called from a dedicated
// goroutine for every write event that parses successfully.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: starting watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}

	w := &Watcher{path: path, fw: fw, onChange: onChange}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case evt, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				logger.Errorf("reload of %s failed: %v", w.path, err)
				continue
			}
			logger.Infof("reloaded %s", w.path)
			w.onChange(cfg)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logger.Errorf("watcher error on %s: %v", w.path, err)
		}
	}
}

// Close stops the watcher goroutine. Safe to call once; a second call is a
// no-op.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fw.Close()
}
