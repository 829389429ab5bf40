package stores

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/engine"
)

// ErrNotFound is returned when an object does not exist in the local store.
var ErrNotFound = fmt.Errorf("local store: %w", engine.ErrNotFound)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" json:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty" json:"max_idle_conns,omitempty" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty" json:"conn_max_lifetime,omitempty"`
}

// Object is a stored object with its bookkeeping columns.
type Object struct {
	Key       changes.ObjectKey `json:"key"`
	Data      json.RawMessage   `json:"data"`
	Version   int64             `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Device is this device's persisted identity.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// stateColumn renders a change state for the change_log table. Unchanged
// keys have no row.
func stateColumn(s changes.ChangeState) string {
	switch s {
	case changes.Changed:
		return "changed"
	case changes.Deleted:
		return "deleted"
	default:
		panic(fmt.Sprintf("stores: change state %s has no change_log row", s))
	}
}
