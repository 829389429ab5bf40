package commands

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/config"
	"github.com/froyosync/froyosync/pkg/stores"
	"github.com/rs/zerolog"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func initDevice(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "froyosync.yaml")

	if err := execute(t, "init", "--config", path, "--name", "laptop"); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	loader, err := config.NewLoader(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	cfg, err := loader.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return path, cfg
}

func TestInit_WritesConfigAndDevice(t *testing.T) {
	path, cfg := initDevice(t)

	if cfg.Device.ID == "" || cfg.Device.Name != "laptop" {
		t.Errorf("device = %+v", cfg.Device)
	}
	if want := filepath.Join(filepath.Dir(path), "data", "froyosync.db"); cfg.Store.Path != want {
		t.Errorf("store path = %q, want %q", cfg.Store.Path, want)
	}

	if err := execute(t, "init", "--config", path); err == nil {
		t.Error("expected error when the config already exists")
	}
}

func TestInit_Encrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "froyosync.yaml")
	if err := execute(t, "init", "--config", path, "--encrypt"); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := execute(t, "validate", path); err != nil {
		t.Errorf("validate failed: %v", err)
	}
}

func TestObjectCommands(t *testing.T) {
	path, cfg := initDevice(t)

	if err := execute(t, "put", "--config", path, "note", "n1", `{"title":"groceries"}`); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := execute(t, "put", "--config", path, "note", "n2", `{not json`); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if err := execute(t, "rm", "--config", path, "note", "missing"); err == nil {
		t.Error("expected error deleting a missing object")
	}
	if err := execute(t, "status", "--config", path); err != nil {
		t.Errorf("status failed: %v", err)
	}

	store, err := stores.Open(context.Background(), cfg.Store)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	log, err := store.ListChanges(context.Background())
	if err != nil {
		t.Fatalf("ListChanges failed: %v", err)
	}
	if got := log.Get(changes.NewKey("note", "n1")); got != changes.Changed {
		t.Errorf("note/n1 state = %v, want changed", got)
	}
}

func TestSync_OnePass(t *testing.T) {
	path, cfg := initDevice(t)

	if err := execute(t, "put", "--config", path, "note", "n1", `{"title":"groceries"}`); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := execute(t, "sync", "--config", path, "--timeout", "20s"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	store, err := stores.Open(context.Background(), cfg.Store)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	log, err := store.ListChanges(context.Background())
	if err != nil {
		t.Fatalf("ListChanges failed: %v", err)
	}
	if len(log) != 0 {
		t.Errorf("change log after sync = %v, want empty", log)
	}
}

func TestReset(t *testing.T) {
	path, cfg := initDevice(t)

	if err := execute(t, "put", "--config", path, "note", "n1", `{}`); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	tests := []struct {
		name    string
		args    []string
		wantErr bool
		want    changes.ChangeState
	}{
		{name: "no mode", args: []string{"reset"}, wantErr: true},
		{name: "two modes", args: []string{"reset", "--all", "--clear"}, wantErr: true},
		{name: "bad key", args: []string{"reset", "note"}, wantErr: true},
		{name: "clear", args: []string{"reset", "--clear"}, want: changes.Unchanged},
		{name: "all", args: []string{"reset", "--all"}, want: changes.Changed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := execute(t, append(tt.args, "--config", path)...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("reset error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			store, err := stores.Open(context.Background(), cfg.Store)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer store.Close()
			log, err := store.ListChanges(context.Background())
			if err != nil {
				t.Fatalf("ListChanges failed: %v", err)
			}
			if got := log.Get(changes.NewKey("note", "n1")); got != tt.want {
				t.Errorf("note/n1 state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOpenStore_DeviceMismatch(t *testing.T) {
	_, cfg := initDevice(t)

	cfg.Device.ID = "someone-else"
	_, err := openStore(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "belongs to device") {
		t.Errorf("openStore error = %v, want device mismatch", err)
	}
}
