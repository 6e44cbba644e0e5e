package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxline/voxline/internal/config"
)

// watcherYAML renders a minimal valid config around the two settings the
// watcher hot-reloads in practice: log verbosity and policy kill switches.
func watcherYAML(logLevel, preLLM string) string {
	return fmt.Sprintf(`
server:
  log_level: %s
providers:
  llm:
    name: openai
    api_key: test
policy:
  overrides:
    pre_llm: %s
database:
  postgres_dsn: "postgres://localhost/voxline_test"
`, logLevel, preLLM)
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}

// rewriteConfigFile replaces the file and bumps its mtime past filesystem
// timestamp granularity so the poller's stat gate sees the revision.
func rewriteConfigFile(t *testing.T, path, content string) {
	t.Helper()
	writeConfigFile(t, path, content)
	bump := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, bump, bump); err != nil {
		t.Fatalf("Chtimes(%s) error = %v", path, err)
	}
}

func startWatcher(t *testing.T, path string, onChange func(old, new *config.Config)) *config.Watcher {
	t.Helper()
	w, err := config.NewWatcher(path, onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestWatcherServesInitialConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxline.yaml")
	writeConfigFile(t, path, watcherYAML("info", "allow"))

	w := startWatcher(t, path, nil)
	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil after a successful initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Policy.Overrides["pre_llm"] != "allow" {
		t.Errorf("pre_llm override = %q, want allow", cfg.Policy.Overrides["pre_llm"])
	}
}

func TestWatcherAppliesChangedFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxline.yaml")
	writeConfigFile(t, path, watcherYAML("info", "allow"))

	type change struct{ old, new *config.Config }
	changes := make(chan change, 1)
	w := startWatcher(t, path, func(old, new *config.Config) {
		select {
		case changes <- change{old, new}:
		default:
		}
	})

	rewriteConfigFile(t, path, watcherYAML("debug", "block"))

	select {
	case ch := <-changes:
		if ch.old.Server.LogLevel != config.LogInfo {
			t.Errorf("old log level = %q, want info", ch.old.Server.LogLevel)
		}
		if ch.new.Server.LogLevel != config.LogDebug {
			t.Errorf("new log level = %q, want debug", ch.new.Server.LogLevel)
		}
		if ch.new.Policy.Overrides["pre_llm"] != "block" {
			t.Errorf("new pre_llm override = %q, want block", ch.new.Policy.Overrides["pre_llm"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("file change never triggered the callback")
	}

	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current() log level = %q, want debug after reload", got)
	}
}

func TestWatcherKeepsConfigOnInvalidRevision(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxline.yaml")
	writeConfigFile(t, path, watcherYAML("info", "allow"))

	reloaded := make(chan struct{}, 1)
	w := startWatcher(t, path, func(_, _ *config.Config) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})

	rewriteConfigFile(t, path, watcherYAML("shouting", "allow"))

	select {
	case <-reloaded:
		t.Fatal("invalid revision replaced the running config")
	case <-time.After(200 * time.Millisecond):
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() log level = %q, want the pre-revision info", got)
	}
}

func TestWatcherIgnoresTouchWithoutEdit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxline.yaml")
	writeConfigFile(t, path, watcherYAML("info", "allow"))

	reloaded := make(chan struct{}, 1)
	startWatcher(t, path, func(_, _ *config.Config) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})

	// Same bytes, newer mtime: the content hash suppresses the callback.
	rewriteConfigFile(t, path, watcherYAML("info", "allow"))

	select {
	case <-reloaded:
		t.Error("touch without a content change triggered the callback")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherInitialLoadFailures(t *testing.T) {
	t.Parallel()

	invalid := filepath.Join(t.TempDir(), "voxline.yaml")
	writeConfigFile(t, invalid, watcherYAML("shouting", "allow"))

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(t.TempDir(), "absent.yaml")},
		{"invalid config", invalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := config.NewWatcher(tt.path, nil); err == nil {
				t.Fatal("NewWatcher() error = nil, want initial load failure")
			}
		})
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxline.yaml")
	writeConfigFile(t, path, watcherYAML("info", "allow"))

	w := startWatcher(t, path, nil)
	w.Stop()
	w.Stop()
}
