package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/policy"
)

// Machine reconciles a local and a remote change log one key at a time.
//
// Machine is a pure state machine: it performs no I/O and is transitioned
// only by Advance. Callers must serialize calls to Advance and must feed
// exactly one OperationCompleted for every Dispatch effect.
type Machine struct {
	local  changes.ChangeLog
	remote changes.ChangeLog

	localReady     bool
	remoteReady    bool
	localRequested bool

	failed map[changes.ObjectKey]struct{}

	mergePolicy policy.MergePolicy
	syncPolicy  policy.SyncPolicy
	pending     *PoliciesChanged

	// Invariant: mode != DoNothing iff an operation is outstanding.
	key   changes.ObjectKey
	mode  policy.ActionMode
	stage Stage

	remoteObject json.RawMessage
	localObject  json.RawMessage
	mergedObject json.RawMessage

	state         SyncState
	progressDirty bool
}

// New creates an idle Machine. Both replicas start not ready and the sync
// state starts as Disconnected.
func New(merge policy.MergePolicy, sync policy.SyncPolicy) (*Machine, error) {
	if err := merge.Validate(); err != nil {
		return nil, err
	}
	if err := sync.Validate(); err != nil {
		return nil, err
	}
	return &Machine{
		local:       changes.ChangeLog{},
		remote:      changes.ChangeLog{},
		failed:      make(map[changes.ObjectKey]struct{}),
		mergePolicy: merge,
		syncPolicy:  sync,
		mode:        policy.ActionDoNothing,
		stage:       StageDone,
		state:       SyncDisconnected,
	}, nil
}

// Advance applies ev and returns the effects the runtime must carry out, in
// order. Every call that touches the change logs ends with exactly one
// ProgressChanged. It panics on event types it does not know.
func (m *Machine) Advance(ev Event) []Effect {
	var fx []Effect
	switch e := ev.(type) {
	case InitialLocalLog:
		m.onInitialLocalLog(e, &fx)
	case LocalEntryChanged:
		m.onLocalEntry(e, &fx)
	case RemoteStateChanged:
		m.onRemoteState(e, &fx)
	case RemoteEntryChanged:
		m.onRemoteEntry(e, &fx)
	case OperationCompleted:
		m.onCompleted(e, &fx)
	case PoliciesChanged:
		m.onPoliciesChanged(e)
	default:
		panic(fmt.Sprintf("reconcile: unknown event %T", ev))
	}
	if m.progressDirty {
		m.progressDirty = false
		fx = append(fx, ProgressChanged{Outstanding: changes.UnionSize(m.local, m.remote)})
	}
	return fx
}

func (m *Machine) onInitialLocalLog(e InitialLocalLog, fx *[]Effect) {
	m.local = e.Log.Clone()
	m.localReady = true
	m.localRequested = false
	m.markProgress()
	if e.TriggerSync {
		m.trigger(fx)
	}
}

func (m *Machine) onLocalEntry(e LocalEntryChanged, fx *[]Effect) {
	if e.State == changes.Unchanged {
		// The current key is removed when its action completes.
		if !m.isCurrent(e.Key) {
			delete(m.local, e.Key)
		}
		m.markProgress()
		return
	}

	m.local[e.Key] = e.State
	m.cancelIfCurrent(e.Key)
	m.markProgress()
	m.trigger(fx)
}

func (m *Machine) onRemoteState(e RemoteStateChanged, fx *[]Effect) {
	for _, key := range e.Changes.Keys() {
		m.remote[key] = e.Changes[key]
		m.cancelIfCurrent(key)
	}

	switch e.State {
	case ConnDisconnected:
		m.remoteReady = false
		m.cancelInFlight()
		m.setState(SyncDisconnected, fx)
	case ConnConnecting, ConnLoadingSession:
		m.remoteReady = false
		m.cancelInFlight()
		m.setState(SyncLoading, fx)
	case ConnReady:
		m.remoteReady = true
	default:
		panic(fmt.Sprintf("reconcile: unknown connectivity state %q", string(e.State)))
	}

	m.markProgress()
	m.trigger(fx)
}

func (m *Machine) onRemoteEntry(e RemoteEntryChanged, fx *[]Effect) {
	m.remote[e.Key] = e.State
	m.cancelIfCurrent(e.Key)
	m.markProgress()
	m.trigger(fx)
}

func (m *Machine) onCompleted(e OperationCompleted, fx *[]Effect) {
	if m.mode == policy.ActionDoNothing {
		// Nothing outstanding.
		return
	}

	switch {
	case m.stage == StageCancel:
		// The action was superseded; its result is discarded.
	case !e.Success || !m.capture(e.Payload):
		m.failed[m.key] = struct{}{}
		m.finishKey(true, fx)
	default:
		m.stage = nextStage(m.mode, m.stage)
		if m.stage == StageDone {
			m.finishKey(false, fx)
		}
	}

	m.proceed(fx)
}

func (m *Machine) onPoliciesChanged(e PoliciesChanged) {
	if err := e.Merge.Validate(); err != nil {
		panic(fmt.Sprintf("reconcile: %v", err))
	}
	if err := e.Sync.Validate(); err != nil {
		panic(fmt.Sprintf("reconcile: %v", err))
	}
	m.pending = &e
	if m.mode == policy.ActionDoNothing {
		m.applyPolicies()
	}
}

// capture stores the payload returned by the completed stage. It reports
// false when a payload that must be a JSON document is missing or malformed.
func (m *Machine) capture(payload json.RawMessage) bool {
	switch m.stage {
	case StageDownload:
		if !validDocument(payload) {
			return false
		}
		m.remoteObject = payload
	case StageLoad:
		if !validDocument(payload) {
			return false
		}
		m.localObject = payload
	case StageSave:
		if m.mode == policy.ActionMerge {
			if !validDocument(payload) {
				return false
			}
			m.mergedObject = payload
		}
	}
	return true
}

func validDocument(payload json.RawMessage) bool {
	return len(payload) > 0 && json.Valid(payload)
}

// finishKey removes the current key from both logs.
func (m *Machine) finishKey(failed bool, fx *[]Effect) {
	m.stage = StageDone
	delete(m.local, m.key)
	delete(m.remote, m.key)
	*fx = append(*fx, KeyReconciled{Key: m.key, Mode: m.mode, Failed: failed})
}

// trigger starts a sync pass when both replicas are ready and nothing is in
// flight, or asks for the local log when only the remote is ready.
func (m *Machine) trigger(fx *[]Effect) {
	if m.remoteReady && !m.localReady {
		if !m.localRequested {
			m.localRequested = true
			*fx = append(*fx, LoadLocalRequested{})
		}
		return
	}
	if m.ready() && m.mode == policy.ActionDoNothing {
		m.proceed(fx)
	}
}

// proceed replans if the current action ended, then dispatches the current
// stage or finalizes the pass.
func (m *Machine) proceed(fx *[]Effect) {
	if m.stage == StageDone || m.stage == StageCancel {
		m.replan(fx)
	}

	if m.mode == policy.ActionDoNothing {
		if m.ready() {
			if len(m.failed) > 0 {
				m.setState(SyncSyncedWithErrors, fx)
			} else {
				m.setState(SyncSynced, fx)
			}
		}
		m.markProgress()
		return
	}

	m.setState(SyncSyncing, fx)
	m.markProgress()
	replica, op := m.operationFor(m.stage)
	*fx = append(*fx, Dispatch{Replica: replica, Operation: op})
}

// replan selects the next key and its action. Keys that need no action are
// dropped from both logs.
func (m *Machine) replan(fx *[]Effect) {
	m.key = changes.ObjectKey{}
	m.mode = policy.ActionDoNothing
	m.stage = StageDone
	m.remoteObject = nil
	m.localObject = nil
	m.mergedObject = nil
	m.applyPolicies()

	if !m.ready() {
		return
	}

	for {
		key, ok := firstKey(m.remote)
		if !ok {
			if key, ok = firstKey(m.local); !ok {
				return
			}
		}

		delete(m.failed, key)
		mode := policy.Resolve(m.local.Get(key), m.remote.Get(key), m.mergePolicy, m.syncPolicy)
		if mode == policy.ActionDoNothing {
			delete(m.local, key)
			delete(m.remote, key)
			continue
		}

		m.key = key
		m.mode = mode
		m.stage = Sequence(mode)[0]
		*fx = append(*fx, ActionStarted{Mode: mode, Key: key})
		return
	}
}

func (m *Machine) applyPolicies() {
	if m.pending == nil {
		return
	}
	m.mergePolicy = m.pending.Merge
	m.syncPolicy = m.pending.Sync
	m.pending = nil
}

func (m *Machine) isCurrent(key changes.ObjectKey) bool {
	return m.mode != policy.ActionDoNothing && m.key == key
}

func (m *Machine) cancelIfCurrent(key changes.ObjectKey) {
	if m.isCurrent(key) {
		m.stage = StageCancel
	}
}

func (m *Machine) cancelInFlight() {
	if m.mode != policy.ActionDoNothing {
		m.stage = StageCancel
	}
}

func (m *Machine) ready() bool {
	return m.localReady && m.remoteReady
}

func (m *Machine) setState(s SyncState, fx *[]Effect) {
	if m.state == s {
		return
	}
	m.state = s
	*fx = append(*fx, SyncStateChanged{State: s})
}

// markProgress schedules a single ProgressChanged at the end of the current
// Advance call.
func (m *Machine) markProgress() {
	m.progressDirty = true
}

// firstKey returns the smallest key of log.
func firstKey(log changes.ChangeLog) (changes.ObjectKey, bool) {
	var (
		first changes.ObjectKey
		found bool
	)
	for k := range log {
		if !found || keyLess(k, first) {
			first = k
			found = true
		}
	}
	return first, found
}

func keyLess(a, b changes.ObjectKey) bool {
	if a.TypeName != b.TypeName {
		return a.TypeName < b.TypeName
	}
	return a.ID < b.ID
}

// Status is a snapshot of the machine.
type Status struct {
	State       SyncState
	Outstanding int
	LocalReady  bool
	RemoteReady bool
	Key         changes.ObjectKey
	Mode        policy.ActionMode
	Stage       Stage
	FailedKeys  []changes.ObjectKey
}

// Status returns a snapshot of the machine.
func (m *Machine) Status() Status {
	return Status{
		State:       m.state,
		Outstanding: changes.UnionSize(m.local, m.remote),
		LocalReady:  m.localReady,
		RemoteReady: m.remoteReady,
		Key:         m.key,
		Mode:        m.mode,
		Stage:       m.stage,
		FailedKeys:  m.FailedKeys(),
	}
}

// FailedKeys returns the keys whose last attempt failed, sorted.
func (m *Machine) FailedKeys() []changes.ObjectKey {
	keys := make([]changes.ObjectKey, 0, len(m.failed))
	for k := range m.failed {
		keys = append(keys, k)
	}
	changes.SortKeys(keys)
	return keys
}

// Idle reports whether no operation is outstanding.
func (m *Machine) Idle() bool {
	return m.mode == policy.ActionDoNothing
}

// State returns the current SyncState.
func (m *Machine) State() SyncState {
	return m.state
}

// LocalLog returns a copy of the machine's view of the local change log.
func (m *Machine) LocalLog() changes.ChangeLog {
	return m.local.Clone()
}

// RemoteLog returns a copy of the machine's view of the remote change log.
func (m *Machine) RemoteLog() changes.ChangeLog {
	return m.remote.Clone()
}

// Policies returns the conflict policies currently in effect.
func (m *Machine) Policies() (policy.MergePolicy, policy.SyncPolicy) {
	return m.mergePolicy, m.syncPolicy
}
