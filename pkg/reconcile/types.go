package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/policy"
)

// SyncState is the externally visible synchronization state.
type SyncState string

const (
	// SyncDisconnected means the remote replica is unreachable.
	SyncDisconnected SyncState = "disconnected"

	// SyncLoading means the remote session is being established.
	SyncLoading SyncState = "loading"

	// SyncSyncing means keys are being reconciled.
	SyncSyncing SyncState = "syncing"

	// SyncSynced means both replicas agree.
	SyncSynced SyncState = "synced"

	// SyncSyncedWithErrors means the pass finished but some keys failed.
	SyncSyncedWithErrors SyncState = "synced_with_errors"
)

// SyncStates lists every SyncState value in gauge order.
var SyncStates = []SyncState{SyncDisconnected, SyncLoading, SyncSyncing, SyncSynced, SyncSyncedWithErrors}

// Ordinal returns the position of s in SyncStates, used as a gauge value.
func (s SyncState) Ordinal() int {
	for i, v := range SyncStates {
		if v == s {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether a sync pass has finished.
func (s SyncState) IsTerminal() bool {
	return s == SyncSynced || s == SyncSyncedWithErrors
}

// ConnectivityState is reported by the remote replica.
type ConnectivityState string

const (
	ConnDisconnected   ConnectivityState = "disconnected"
	ConnConnecting     ConnectivityState = "connecting"
	ConnLoadingSession ConnectivityState = "loading_session"
	ConnReady          ConnectivityState = "ready"
)

// ConnectivityStates lists every ConnectivityState value in gauge order.
var ConnectivityStates = []ConnectivityState{ConnDisconnected, ConnConnecting, ConnLoadingSession, ConnReady}

// Ordinal returns the position of c in ConnectivityStates.
func (c ConnectivityState) Ordinal() int {
	for i, v := range ConnectivityStates {
		if v == c {
			return i
		}
	}
	return -1
}

// Validate checks if the connectivity state is valid.
func (c ConnectivityState) Validate() error {
	if c.Ordinal() < 0 {
		return fmt.Errorf("invalid connectivity state: %q", string(c))
	}
	return nil
}

// Stage is a sub-step of an action. Done and Cancel are shared by every
// action and mean "plan the next key".
type Stage string

const (
	StageDone         Stage = "done"
	StageCancel       Stage = "cancel"
	StageDownload     Stage = "download"
	StageLoad         Stage = "load"
	StageSave         Stage = "save"
	StageUpload       Stage = "upload"
	StageRemoveLocal  Stage = "remove_local"
	StageRemoveRemote Stage = "remove_remote"
	StageLocalMark    Stage = "local_mark"
	StageRemoteMark   Stage = "remote_mark"
)

// Sequence returns the stages an action executes, in order. Done follows the
// last one. DoNothing has no stages.
func Sequence(mode policy.ActionMode) []Stage {
	switch mode {
	case policy.ActionDoNothing:
		return nil
	case policy.ActionDownloadRemote:
		return []Stage{StageDownload, StageSave, StageRemoteMark}
	case policy.ActionDeleteLocal:
		return []Stage{StageRemoveLocal, StageRemoteMark}
	case policy.ActionUploadLocal:
		return []Stage{StageLoad, StageUpload, StageLocalMark}
	case policy.ActionMerge:
		return []Stage{StageDownload, StageLoad, StageSave, StageUpload}
	case policy.ActionDeleteRemote:
		return []Stage{StageRemoveRemote, StageLocalMark}
	case policy.ActionMarkAsUnchanged:
		return []Stage{StageLocalMark, StageRemoteMark}
	}
	panic(fmt.Sprintf("reconcile: no stage sequence for action %q", string(mode)))
}

// nextStage returns the stage following current in mode's sequence.
func nextStage(mode policy.ActionMode, current Stage) Stage {
	seq := Sequence(mode)
	for i, s := range seq {
		if s == current {
			if i+1 < len(seq) {
				return seq[i+1]
			}
			return StageDone
		}
	}
	panic(fmt.Sprintf("reconcile: stage %q is not part of action %q", string(current), string(mode)))
}

// Replica addresses one of the two stores.
type Replica string

const (
	ReplicaLocal  Replica = "local"
	ReplicaRemote Replica = "remote"
)

// OpKind is the kind of store operation.
type OpKind string

const (
	OpLoad          OpKind = "load"
	OpSave          OpKind = "save"
	OpRemove        OpKind = "remove"
	OpMarkUnchanged OpKind = "mark_unchanged"
)

// Operation is a single request to a store.
type Operation struct {
	Kind OpKind
	Key  changes.ObjectKey

	// Payload is the object to save.
	Payload json.RawMessage

	// MergeWith, when set on a Save, holds the remote object that must be
	// merged with Payload (the local object) before saving. The completion
	// then carries the merged object.
	MergeWith json.RawMessage
}

// IsMerge reports whether the operation saves the result of a merge.
func (op Operation) IsMerge() bool {
	return op.Kind == OpSave && op.MergeWith != nil
}

// operationFor builds the store request issued by stage.
func (m *Machine) operationFor(stage Stage) (Replica, Operation) {
	op := Operation{Key: m.key}
	switch stage {
	case StageDownload:
		op.Kind = OpLoad
		return ReplicaRemote, op
	case StageLoad:
		op.Kind = OpLoad
		return ReplicaLocal, op
	case StageSave:
		op.Kind = OpSave
		if m.mode == policy.ActionMerge {
			op.Payload = m.localObject
			op.MergeWith = m.remoteObject
		} else {
			op.Payload = m.remoteObject
		}
		return ReplicaLocal, op
	case StageUpload:
		op.Kind = OpSave
		if m.mode == policy.ActionMerge {
			op.Payload = m.mergedObject
		} else {
			op.Payload = m.localObject
		}
		return ReplicaRemote, op
	case StageRemoveLocal:
		op.Kind = OpRemove
		return ReplicaLocal, op
	case StageRemoveRemote:
		op.Kind = OpRemove
		return ReplicaRemote, op
	case StageLocalMark:
		op.Kind = OpMarkUnchanged
		return ReplicaLocal, op
	case StageRemoteMark:
		op.Kind = OpMarkUnchanged
		return ReplicaRemote, op
	}
	panic(fmt.Sprintf("reconcile: stage %q issues no operation", string(stage)))
}
