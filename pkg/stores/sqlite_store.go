package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the local replica: the synchronized objects and the local
// change log, persisted in one SQLite database.
//
// Put and Delete record user writes and mark the key changed. Load, Save,
// Remove and MarkUnchanged are the sync operations invoked by the engine;
// Save, Remove and MarkUnchanged clear the key's change marker.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config

	mu          sync.RWMutex
	subscribers map[int]engine.LocalChangeFunc
	nextSubID   int
}

var _ engine.LocalStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg:         cfg,
		subscribers: make(map[int]engine.LocalChangeFunc),
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Subscribe registers fn for every change log update. fn is called after the
// write has been committed, on the writer's goroutine.
func (s *SQLiteStore) Subscribe(fn engine.LocalChangeFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *SQLiteStore) notify(key changes.ObjectKey, state changes.ChangeState) {
	s.mu.RLock()
	subs := make([]engine.LocalChangeFunc, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()

	for _, fn := range subs {
		fn(key, state)
	}
}

// Put stores payload under key as a local write and marks the key changed.
func (s *SQLiteStore) Put(ctx context.Context, key changes.ObjectKey, payload json.RawMessage) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if !json.Valid(payload) {
		return fmt.Errorf("payload for %s is not valid JSON", key)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertObject(ctx, tx, key, payload); err != nil {
			return err
		}
		return markChanged(ctx, tx, key, changes.Changed)
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}

	s.notify(key, changes.Changed)
	return nil
}

// Delete removes the object stored under key as a local write and marks the
// key deleted. It returns ErrNotFound when there is no such object.
func (s *SQLiteStore) Delete(ctx context.Context, key changes.ObjectKey) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM objects WHERE type_name = ? AND object_id = ?`,
			key.TypeName, key.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return markChanged(ctx, tx, key, changes.Deleted)
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	s.notify(key, changes.Deleted)
	return nil
}

// Load returns the object stored under key.
func (s *SQLiteStore) Load(ctx context.Context, key changes.ObjectKey) (json.RawMessage, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM objects WHERE type_name = ? AND object_id = ?`,
		key.TypeName, key.ID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return json.RawMessage(data), nil
}

// Save stores payload under key and clears its change marker.
func (s *SQLiteStore) Save(ctx context.Context, key changes.ObjectKey, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("payload for %s is not valid JSON", key)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertObject(ctx, tx, key, payload); err != nil {
			return err
		}
		return clearChange(ctx, tx, key)
	})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}

	s.notify(key, changes.Unchanged)
	return nil
}

// Remove deletes the object stored under key and clears its change marker.
func (s *SQLiteStore) Remove(ctx context.Context, key changes.ObjectKey) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM objects WHERE type_name = ? AND object_id = ?`,
			key.TypeName, key.ID); err != nil {
			return err
		}
		return clearChange(ctx, tx, key)
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}

	s.notify(key, changes.Unchanged)
	return nil
}

// MarkUnchanged clears the change marker of key.
func (s *SQLiteStore) MarkUnchanged(ctx context.Context, key changes.ObjectKey) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM change_log WHERE type_name = ? AND object_id = ?`,
		key.TypeName, key.ID); err != nil {
		return fmt.Errorf("failed to mark %s unchanged: %w", key, err)
	}

	s.notify(key, changes.Unchanged)
	return nil
}

// ListChanges returns the full local change log.
func (s *SQLiteStore) ListChanges(ctx context.Context) (changes.ChangeLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type_name, object_id, state FROM change_log`)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	log := changes.ChangeLog{}
	for rows.Next() {
		var typeName, id, state string
		if err := rows.Scan(&typeName, &id, &state); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		cs, err := changes.ParseState(state)
		if err != nil {
			return nil, err
		}
		log[changes.NewKey(typeName, id)] = cs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	return log, nil
}

// MarkChanged records state for key in the change log without touching the
// object.
func (s *SQLiteStore) MarkChanged(ctx context.Context, key changes.ObjectKey, state changes.ChangeState) error {
	if state == changes.Unchanged {
		return s.MarkUnchanged(ctx, key)
	}
	if _, err := s.db.ExecContext(ctx, markChangedQuery,
		key.TypeName, key.ID, stateColumn(state), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to mark %s %s: %w", key, state, err)
	}

	s.notify(key, state)
	return nil
}

// ResetAllChanges marks every key in keys changed, so the next sync uploads
// them again.
func (s *SQLiteStore) ResetAllChanges(ctx context.Context, keys []changes.ObjectKey) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			if err := markChanged(ctx, tx, key, changes.Changed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset changes: %w", err)
	}

	for _, key := range keys {
		s.notify(key, changes.Changed)
	}
	return nil
}

// ClearAllChanges drops every entry of the change log.
func (s *SQLiteStore) ClearAllChanges(ctx context.Context) error {
	log, err := s.ListChanges(ctx)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM change_log`); err != nil {
		return fmt.Errorf("failed to clear changes: %w", err)
	}

	for _, key := range log.Keys() {
		s.notify(key, changes.Unchanged)
	}
	return nil
}

// Keys returns the keys of all stored objects, optionally restricted to one
// type.
func (s *SQLiteStore) Keys(ctx context.Context, typeName string) ([]changes.ObjectKey, error) {
	query := `SELECT type_name, object_id FROM objects ORDER BY type_name, object_id`
	args := []interface{}{}
	if typeName != "" {
		query = `SELECT type_name, object_id FROM objects WHERE type_name = ? ORDER BY object_id`
		args = append(args, typeName)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []changes.ObjectKey
	for rows.Next() {
		var key changes.ObjectKey
		if err := rows.Scan(&key.TypeName, &key.ID); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Get returns the object stored under key with its bookkeeping columns.
func (s *SQLiteStore) Get(ctx context.Context, key changes.ObjectKey) (*Object, error) {
	var (
		data      string
		version   int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version, updated_at FROM objects WHERE type_name = ? AND object_id = ?`,
		key.TypeName, key.ID).Scan(&data, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}

	return &Object{
		Key:       key,
		Data:      json.RawMessage(data),
		Version:   version,
		UpdatedAt: time.UnixMilli(updatedAt),
	}, nil
}

// Count returns the number of stored objects.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count objects: %w", err)
	}
	return n, nil
}

// EnsureDevice returns this device's identity, creating it with a fresh ID
// on first use.
func (s *SQLiteStore) EnsureDevice(ctx context.Context, name string) (*Device, error) {
	dev, err := s.Device(ctx)
	if err == nil {
		return dev, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	dev = &Device{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO device (singleton, device_id, name, created_at) VALUES (1, ?, ?, ?)`,
		dev.ID, dev.Name, dev.CreatedAt.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}
	return dev, nil
}

// Device returns this device's identity, or ErrNotFound before EnsureDevice.
func (s *SQLiteStore) Device(ctx context.Context) (*Device, error) {
	var (
		dev       Device
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, name, created_at FROM device WHERE singleton = 1`).
		Scan(&dev.ID, &dev.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device not initialized: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	dev.CreatedAt = time.UnixMilli(createdAt)
	return &dev, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const markChangedQuery = `
	INSERT INTO change_log (type_name, object_id, state, changed_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (type_name, object_id) DO UPDATE SET
		state = excluded.state,
		changed_at = excluded.changed_at
`

func upsertObject(ctx context.Context, tx *sql.Tx, key changes.ObjectKey, payload json.RawMessage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO objects (type_name, object_id, data, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (type_name, object_id) DO UPDATE SET
			data = excluded.data,
			version = objects.version + 1,
			updated_at = excluded.updated_at
	`, key.TypeName, key.ID, string(payload), time.Now().UnixMilli())
	return err
}

func markChanged(ctx context.Context, tx *sql.Tx, key changes.ObjectKey, state changes.ChangeState) error {
	_, err := tx.ExecContext(ctx, markChangedQuery,
		key.TypeName, key.ID, stateColumn(state), time.Now().UnixMilli())
	return err
}

func clearChange(ctx context.Context, tx *sql.Tx, key changes.ObjectKey) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM change_log WHERE type_name = ? AND object_id = ?`,
		key.TypeName, key.ID)
	return err
}
