package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/engine"
)

// setupTestStore creates a migrated SQLite store in a temporary directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "froyosync.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type notification struct {
	key   changes.ObjectKey
	state changes.ChangeState
}

type recorder struct {
	mu   sync.Mutex
	seen []notification
}

func (r *recorder) record(key changes.ObjectKey, state changes.ChangeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, notification{key, state})
}

func (r *recorder) all() []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification(nil), r.seen...)
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "life.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestPutMarksChanged(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	rec := &recorder{}
	store.Subscribe(rec.record)

	key := changes.NewKey("note", "n1")
	if err := store.Put(ctx, key, json.RawMessage(`{"title":"a"}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	log, err := store.ListChanges(ctx)
	if err != nil {
		t.Fatalf("ListChanges() error = %v", err)
	}
	if got := log.Get(key); got != changes.Changed {
		t.Errorf("state = %s, want changed", got)
	}

	data, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(data) != `{"title":"a"}` {
		t.Errorf("Load() = %s", data)
	}

	seen := rec.all()
	if len(seen) != 1 || seen[0] != (notification{key, changes.Changed}) {
		t.Errorf("notifications = %+v", seen)
	}
}

func TestPutRejectsInvalid(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, changes.NewKey("note", "n1"), json.RawMessage(`{`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if err := store.Put(ctx, changes.NewKey("", "n1"), json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for invalid key")
	}
}

func TestPutIncrementsVersion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	key := changes.NewKey("note", "n1")

	for i := 0; i < 3; i++ {
		if err := store.Put(ctx, key, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	obj, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if obj.Version != 3 {
		t.Errorf("Version = %d, want 3", obj.Version)
	}
}

func TestDeleteMarksDeleted(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	key := changes.NewKey("note", "n1")

	if err := store.Delete(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete() on missing object error = %v, want ErrNotFound", err)
	}

	if err := store.Put(ctx, key, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	log, _ := store.ListChanges(ctx)
	if got := log.Get(key); got != changes.Deleted {
		t.Errorf("state = %s, want deleted", got)
	}
	if _, err := store.Load(ctx, key); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Load() after delete error = %v, want engine.ErrNotFound", err)
	}
}

func TestSyncOperationsClearMarker(t *testing.T) {
	tests := []struct {
		name string
		op   func(ctx context.Context, s *SQLiteStore, key changes.ObjectKey) error
		// wantObject reports whether the object exists afterwards.
		wantObject bool
	}{
		{
			name: "save",
			op: func(ctx context.Context, s *SQLiteStore, key changes.ObjectKey) error {
				return s.Save(ctx, key, json.RawMessage(`{"v":2}`))
			},
			wantObject: true,
		},
		{
			name: "remove",
			op: func(ctx context.Context, s *SQLiteStore, key changes.ObjectKey) error {
				return s.Remove(ctx, key)
			},
			wantObject: false,
		},
		{
			name: "mark unchanged",
			op: func(ctx context.Context, s *SQLiteStore, key changes.ObjectKey) error {
				return s.MarkUnchanged(ctx, key)
			},
			wantObject: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestStore(t)
			ctx := context.Background()
			key := changes.NewKey("note", "n1")

			if err := store.Put(ctx, key, json.RawMessage(`{"v":1}`)); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			rec := &recorder{}
			store.Subscribe(rec.record)

			if err := tt.op(ctx, store, key); err != nil {
				t.Fatalf("operation error = %v", err)
			}

			log, err := store.ListChanges(ctx)
			if err != nil {
				t.Fatalf("ListChanges() error = %v", err)
			}
			if len(log) != 0 {
				t.Errorf("change log = %v, want empty", log)
			}

			_, err = store.Load(ctx, key)
			if tt.wantObject && err != nil {
				t.Errorf("Load() error = %v", err)
			}
			if !tt.wantObject && !errors.Is(err, ErrNotFound) {
				t.Errorf("Load() error = %v, want ErrNotFound", err)
			}

			seen := rec.all()
			if len(seen) != 1 || seen[0].state != changes.Unchanged {
				t.Errorf("notifications = %+v, want one unchanged", seen)
			}
		})
	}
}

func TestRemoveMissingIsNotAnError(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Remove(context.Background(), changes.NewKey("note", "ghost")); err != nil {
		t.Errorf("Remove() error = %v", err)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Save(context.Background(), changes.NewKey("note", "n1"), json.RawMessage(`nope`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestResetAndClearAllChanges(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := changes.NewKey("note", "a")
	b := changes.NewKey("note", "b")
	for _, key := range []changes.ObjectKey{a, b} {
		if err := store.Save(ctx, key, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	keys, err := store.Keys(ctx, "")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != a || keys[1] != b {
		t.Fatalf("Keys() = %v", keys)
	}

	if err := store.ResetAllChanges(ctx, keys); err != nil {
		t.Fatalf("ResetAllChanges() error = %v", err)
	}
	log, _ := store.ListChanges(ctx)
	if log.Get(a) != changes.Changed || log.Get(b) != changes.Changed {
		t.Errorf("change log after reset = %v", log)
	}

	rec := &recorder{}
	store.Subscribe(rec.record)
	if err := store.ClearAllChanges(ctx); err != nil {
		t.Fatalf("ClearAllChanges() error = %v", err)
	}
	log, _ = store.ListChanges(ctx)
	if len(log) != 0 {
		t.Errorf("change log after clear = %v", log)
	}
	if got := len(rec.all()); got != 2 {
		t.Errorf("got %d notifications, want 2", got)
	}

	n, err := store.Count(ctx)
	if err != nil || n != 2 {
		t.Errorf("Count() = %d, %v, want 2", n, err)
	}
}

func TestMarkChanged(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	key := changes.NewKey("note", "n1")

	if err := store.MarkChanged(ctx, key, changes.Deleted); err != nil {
		t.Fatalf("MarkChanged() error = %v", err)
	}
	log, _ := store.ListChanges(ctx)
	if log.Get(key) != changes.Deleted {
		t.Errorf("state = %s, want deleted", log.Get(key))
	}

	if err := store.MarkChanged(ctx, key, changes.Unchanged); err != nil {
		t.Fatalf("MarkChanged() error = %v", err)
	}
	log, _ = store.ListChanges(ctx)
	if len(log) != 0 {
		t.Errorf("change log = %v, want empty", log)
	}
}

func TestUnsubscribe(t *testing.T) {
	store := setupTestStore(t)
	rec := &recorder{}
	unsubscribe := store.Subscribe(rec.record)
	unsubscribe()

	if err := store.Put(context.Background(), changes.NewKey("note", "n1"), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if got := len(rec.all()); got != 0 {
		t.Errorf("got %d notifications after unsubscribe", got)
	}
}

func TestEnsureDevice(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Device(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Device() error = %v, want ErrNotFound", err)
	}

	first, err := store.EnsureDevice(ctx, "laptop")
	if err != nil {
		t.Fatalf("EnsureDevice() error = %v", err)
	}
	if first.ID == "" || first.Name != "laptop" {
		t.Errorf("device = %+v", first)
	}

	again, err := store.EnsureDevice(ctx, "other")
	if err != nil {
		t.Fatalf("EnsureDevice() error = %v", err)
	}
	if again.ID != first.ID || again.Name != "laptop" {
		t.Errorf("EnsureDevice() = %+v, want existing %+v", again, first)
	}
}
