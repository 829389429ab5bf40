// Package changes defines the per-replica change log data model shared by the
// reconciliation controller, the local store and the remote connectors.
package changes

import (
	"fmt"
	"sort"
	"strings"
)

// ObjectKey uniquely names a synchronizable object.
type ObjectKey struct {
	// TypeName identifies the synchronized entity type.
	TypeName string `json:"type"`

	// ID is unique within TypeName.
	ID string `json:"id"`
}

// NewKey creates an ObjectKey.
func NewKey(typeName, id string) ObjectKey {
	return ObjectKey{TypeName: typeName, ID: id}
}

// IsZero reports whether the key is the zero value.
func (k ObjectKey) IsZero() bool {
	return k.TypeName == "" && k.ID == ""
}

// String renders the key as "type/id".
func (k ObjectKey) String() string {
	return k.TypeName + "/" + k.ID
}

// Validate checks that both components are set and do not contain a slash.
func (k ObjectKey) Validate() error {
	if k.TypeName == "" {
		return fmt.Errorf("object key: type name is required")
	}
	if k.ID == "" {
		return fmt.Errorf("object key: id is required")
	}
	if strings.Contains(k.TypeName, "/") {
		return fmt.Errorf("object key: type name %q must not contain '/'", k.TypeName)
	}
	return nil
}

// ParseKey parses a key rendered by String.
func ParseKey(s string) (ObjectKey, error) {
	typeName, id, ok := strings.Cut(s, "/")
	if !ok {
		return ObjectKey{}, fmt.Errorf("invalid object key %q: missing '/'", s)
	}
	key := ObjectKey{TypeName: typeName, ID: id}
	if err := key.Validate(); err != nil {
		return ObjectKey{}, err
	}
	return key, nil
}

// ChangeState is a key's status relative to the last fully-synced baseline.
type ChangeState int

const (
	// Unchanged means the replica holds the baseline version.
	Unchanged ChangeState = iota

	// Changed means the replica modified or created the object.
	Changed

	// Deleted means the replica removed the object.
	Deleted
)

// States lists every ChangeState value.
var States = []ChangeState{Unchanged, Changed, Deleted}

// String returns the lower-case name of the state.
func (s ChangeState) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("ChangeState(%d)", int(s))
	}
}

// Validate checks if the change state is valid.
func (s ChangeState) Validate() error {
	switch s {
	case Unchanged, Changed, Deleted:
		return nil
	default:
		return fmt.Errorf("invalid change state: %d", int(s))
	}
}

// ParseState parses the output of ChangeState.String.
func ParseState(s string) (ChangeState, error) {
	switch s {
	case "unchanged":
		return Unchanged, nil
	case "changed":
		return Changed, nil
	case "deleted":
		return Deleted, nil
	default:
		return Unchanged, fmt.Errorf("invalid change state: %q", s)
	}
}

// ChangeLog maps object keys to their change state for one replica.
// A key absent from the log is implicitly Unchanged.
type ChangeLog map[ObjectKey]ChangeState

// Get returns the state for key, defaulting to Unchanged.
func (l ChangeLog) Get(key ObjectKey) ChangeState {
	if state, ok := l[key]; ok {
		return state
	}
	return Unchanged
}

// Clone returns a shallow copy of the log. Cloning a nil log yields an empty one.
func (l ChangeLog) Clone() ChangeLog {
	out := make(ChangeLog, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Keys returns the log's keys in a stable order.
func (l ChangeLog) Keys() []ObjectKey {
	keys := make([]ObjectKey, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// UnionSize returns the number of distinct keys present in either log.
func UnionSize(a, b ChangeLog) int {
	n := len(a)
	for k := range b {
		if _, ok := a[k]; !ok {
			n++
		}
	}
	return n
}

// SortKeys orders keys by type name, then id.
func SortKeys(keys []ObjectKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TypeName != keys[j].TypeName {
			return keys[i].TypeName < keys[j].TypeName
		}
		return keys[i].ID < keys[j].ID
	})
}
