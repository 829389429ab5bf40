package reconcile

import (
	"encoding/json"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/policy"
)

// Event is an input to Machine.Advance.
type Event interface {
	isEvent()
}

// InitialLocalLog replaces the local change log with a full snapshot and
// marks the local replica ready.
type InitialLocalLog struct {
	Log         changes.ChangeLog
	TriggerSync bool
}

// LocalEntryChanged reports an incremental local change.
type LocalEntryChanged struct {
	Key   changes.ObjectKey
	State changes.ChangeState
}

// RemoteStateChanged reports the remote connectivity together with remote
// change log entries.
type RemoteStateChanged struct {
	State   ConnectivityState
	Changes changes.ChangeLog
}

// RemoteEntryChanged reports an incremental remote change.
type RemoteEntryChanged struct {
	Key   changes.ObjectKey
	State changes.ChangeState
}

// OperationCompleted reports the result of the last dispatched operation.
type OperationCompleted struct {
	Success bool
	Payload json.RawMessage
}

// PoliciesChanged replaces the conflict policies. The new policies take
// effect the next time a key is planned.
type PoliciesChanged struct {
	Merge policy.MergePolicy
	Sync  policy.SyncPolicy
}

func (InitialLocalLog) isEvent()    {}
func (LocalEntryChanged) isEvent()  {}
func (RemoteStateChanged) isEvent() {}
func (RemoteEntryChanged) isEvent() {}
func (OperationCompleted) isEvent() {}
func (PoliciesChanged) isEvent()    {}

// Effect is an output of Machine.Advance that the runtime must carry out.
type Effect interface {
	isEffect()
}

// Dispatch asks the runtime to execute Operation against Replica and to feed
// exactly one OperationCompleted back.
type Dispatch struct {
	Replica   Replica
	Operation Operation
}

// SyncStateChanged announces a new SyncState.
type SyncStateChanged struct {
	State SyncState
}

// ProgressChanged announces the number of keys left to reconcile.
type ProgressChanged struct {
	Outstanding int
}

// LoadLocalRequested asks the runtime to list the local change log and feed
// it back as InitialLocalLog.
type LoadLocalRequested struct{}

// ActionStarted reports the action planned for a key.
type ActionStarted struct {
	Mode policy.ActionMode
	Key  changes.ObjectKey
}

// KeyReconciled reports that a key's action finished.
type KeyReconciled struct {
	Key    changes.ObjectKey
	Mode   policy.ActionMode
	Failed bool
}

func (Dispatch) isEffect()           {}
func (SyncStateChanged) isEffect()   {}
func (ProgressChanged) isEffect()    {}
func (LoadLocalRequested) isEffect() {}
func (ActionStarted) isEffect()      {}
func (KeyReconciled) isEffect()      {}
