package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/froyosync/froyosync/pkg/policy"
)

func startWatcher(t *testing.T, path string, cfg *Config) (*Watcher, chan *Config) {
	t.Helper()

	reloads := make(chan *Config, 16)
	w := NewWatcher(newTestLoader(t), path, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = w.Close()
	})

	err := w.Watch(ctx, cfg, func(c *Config) error {
		reloads <- c
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	return w, reloads
}

func waitReload(t *testing.T, reloads <-chan *Config) *Config {
	t.Helper()
	select {
	case cfg := <-reloads:
		return cfg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
		return nil
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "froyosync.yaml", minimalYAML)

	cfg, err := newTestLoader(t).Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	_, reloads := startWatcher(t, path, cfg)

	writeFile(t, dir, "froyosync.yaml", strings.Replace(minimalYAML, "merge: merge", "merge: keep_remote", 1))

	got := waitReload(t, reloads)
	if got.Policy.Merge != policy.MergeKeepRemote {
		t.Errorf("merge policy = %q, want keep_remote", got.Policy.Merge)
	}
}

func TestWatcher_IgnoresInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "froyosync.yaml", minimalYAML)
	_, reloads := startWatcher(t, path, nil)

	writeFile(t, dir, "froyosync.yaml", strings.Replace(minimalYAML, "merge: merge", "merge: yolo", 1))

	select {
	case cfg := <-reloads:
		t.Fatalf("invalid config was delivered: %+v", cfg.Policy)
	case <-time.After(300 * time.Millisecond):
	}

	writeFile(t, dir, "froyosync.yaml", strings.Replace(minimalYAML, "sync: prefer_updated", "sync: prefer_remote", 1))
	if got := waitReload(t, reloads); got.Policy.Sync != policy.SyncPreferRemote {
		t.Errorf("sync policy = %q, want prefer_remote", got.Policy.Sync)
	}
}

func TestWatcher_WatchesMergeScript(t *testing.T) {
	dir := t.TempDir()
	scripts := filepath.Join(dir, "scripts")
	if err := os.Mkdir(scripts, 0o700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	script := writeFile(t, scripts, "merge.star", "def merge(remote, local):\n    return local\n")

	content := strings.Replace(minimalYAML, "sync: prefer_updated",
		"sync: prefer_updated\n  strategy: starlark\n  script: scripts/merge.star", 1)
	path := writeFile(t, dir, "froyosync.yaml", content)

	cfg, err := newTestLoader(t).Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Policy.Script != script {
		t.Fatalf("script = %q, want %q", cfg.Policy.Script, script)
	}
	_, reloads := startWatcher(t, path, cfg)

	// Unrelated files in watched directories are ignored.
	writeFile(t, scripts, "notes.txt", "hello")
	select {
	case <-reloads:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(300 * time.Millisecond):
	}

	writeFile(t, scripts, "merge.star", "def merge(remote, local):\n    return remote\n")
	if got := waitReload(t, reloads); got.Policy.Script != script {
		t.Errorf("script = %q", got.Policy.Script)
	}
}

func TestWatcher_WatchTwice(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "froyosync.yaml", minimalYAML)
	w, _ := startWatcher(t, path, nil)

	if err := w.Watch(context.Background(), nil, func(*Config) error { return nil }); err == nil {
		t.Error("expected error when watching twice")
	}
}
