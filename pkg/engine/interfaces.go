package engine

import (
	"context"
	"encoding/json"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/reconcile"
)

// Store is the set of operations the engine performs against one replica.
type Store interface {
	// Load returns the object stored under key. It returns an error wrapping
	// ErrNotFound when the object does not exist.
	Load(ctx context.Context, key changes.ObjectKey) (json.RawMessage, error)

	// Save stores payload under key and clears the key's change marker.
	Save(ctx context.Context, key changes.ObjectKey, payload json.RawMessage) error

	// Remove deletes the object stored under key and clears its change marker.
	// Removing an absent object is not an error.
	Remove(ctx context.Context, key changes.ObjectKey) error

	// MarkUnchanged clears the change marker of key.
	MarkUnchanged(ctx context.Context, key changes.ObjectKey) error
}

// LocalChangeFunc receives local change log updates.
type LocalChangeFunc func(key changes.ObjectKey, state changes.ChangeState)

// LocalStore is the local replica.
type LocalStore interface {
	Store

	// ListChanges returns the full local change log.
	ListChanges(ctx context.Context) (changes.ChangeLog, error)

	// Subscribe registers fn for every change log update and returns a
	// function that removes the subscription.
	Subscribe(fn LocalChangeFunc) (unsubscribe func())
}

// RemoteObserver receives the remote session state and this device's remote
// change log. Calls may arrive from any goroutine.
type RemoteObserver interface {
	// RemoteStateChanged reports a connectivity transition. On Ready, log holds
	// the device's full remote change log.
	RemoteStateChanged(state reconcile.ConnectivityState, log changes.ChangeLog)

	// RemoteEntryChanged reports an incremental remote change.
	RemoteEntryChanged(key changes.ObjectKey, state changes.ChangeState)
}

// RemoteConnector is the remote replica.
type RemoteConnector interface {
	Store

	// Connect starts the remote session and keeps it alive, reporting to
	// observer, until ctx is cancelled or Close is called. It returns once the
	// session has been started.
	Connect(ctx context.Context, observer RemoteObserver) error

	// Reload asks the connector to report its full change log again.
	Reload(ctx context.Context) error

	// Close ends the session.
	Close() error
}
