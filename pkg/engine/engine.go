package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/policy"
	"github.com/froyosync/froyosync/pkg/reconcile"
	"github.com/froyosync/froyosync/pkg/telemetry"
)

// ErrStopped is returned by entry points once Run has returned.
var ErrStopped = errors.New("engine stopped")

// errActionFailed stands in for a failure the operation did not describe.
var errActionFailed = errors.New("action failed")

const defaultInboxSize = 256

// Options configures an Engine.
type Options struct {
	// DeviceID identifies this device in logs, metrics and events.
	DeviceID string

	// Local is the local replica.
	Local LocalStore

	// Remote is the remote replica.
	Remote RemoteConnector

	// Merger supplies the conflict policies and merges documents.
	Merger policy.Merger

	// Logger is the engine's logger.
	Logger zerolog.Logger

	// Telemetry is optional. When set, actions and operations are traced and
	// recorded in metrics and events.
	Telemetry *telemetry.Telemetry

	// OnStateChange is called from the engine goroutine on every SyncState
	// transition. It must not call Status.
	OnStateChange func(state reconcile.SyncState)

	// OnProgress is called from the engine goroutine with the number of keys
	// left to reconcile.
	OnProgress func(outstanding int)

	// InboxSize bounds the number of pending inputs. Defaults to 256.
	InboxSize int
}

// message is one input to the engine goroutine: a machine event, or a call
// that must run on the engine goroutine.
type message struct {
	event reconcile.Event
	call  func()

	// opErr carries the error of a failed operation alongside its completion.
	opErr error
}

// Engine drives a reconcile.Machine against a local and a remote store.
//
// All machine state is owned by the goroutine running Run. Store callbacks,
// remote notifications, operation completions and public entry points are
// posted to a single inbox and handled in order.
type Engine struct {
	deviceID string
	local    LocalStore
	remote   RemoteConnector
	logger   zerolog.Logger
	tel      *telemetry.Telemetry

	onStateChange func(reconcile.SyncState)
	onProgress    func(int)

	machine       *reconcile.Machine
	merger        policy.Merger
	pendingMerger policy.Merger
	state         reconcile.SyncState

	actionCtx  context.Context
	actionMode policy.ActionMode
	lastErr    error

	inbox   chan message
	done    chan struct{}
	started atomic.Bool
	wg      sync.WaitGroup
}

// New creates an Engine. Run must be called to start it.
func New(opts Options) (*Engine, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if opts.Local == nil {
		return nil, fmt.Errorf("local store is required")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("remote connector is required")
	}
	if opts.Merger == nil {
		return nil, fmt.Errorf("merger is required")
	}

	machine, err := reconcile.New(opts.Merger.MergePolicy(), opts.Merger.SyncPolicy())
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciliation machine: %w", err)
	}

	size := opts.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}

	return &Engine{
		deviceID:      opts.DeviceID,
		local:         opts.Local,
		remote:        opts.Remote,
		logger:        opts.Logger.With().Str("component", "engine").Str("device_id", opts.DeviceID).Logger(),
		tel:           opts.Telemetry,
		onStateChange: opts.OnStateChange,
		onProgress:    opts.OnProgress,
		machine:       machine,
		merger:        opts.Merger,
		state:         machine.State(),
		inbox:         make(chan message, size),
		done:          make(chan struct{}),
	}, nil
}

// Run loads the local change log, connects the remote and reconciles until
// ctx is cancelled. It returns nil on cancellation. A local log that cannot
// be listed at startup is loaded again, with backoff, when the remote
// becomes ready.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	defer e.wg.Wait()

	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(e.done) }) }
	defer stop()

	if e.tel != nil {
		ctx = e.tel.WithContext(ctx)
		ctx = telemetry.WithDeviceContext(ctx, e.deviceID)
	}

	unsubscribe := e.local.Subscribe(e.localChanged)
	defer unsubscribe()

	// A failed listing leaves the local side unready. The machine then asks
	// for the log once the remote is ready and loadLocal retries it.
	log, err := e.local.ListChanges(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to list local changes, retrying once the remote is ready")
	} else {
		e.apply(ctx, reconcile.InitialLocalLog{Log: log})
	}

	if err := e.remote.Connect(ctx, e); err != nil {
		return fmt.Errorf("failed to connect remote: %w", err)
	}
	defer func() {
		// Stop accepting input first so connector callbacks never block Close.
		stop()
		if err := e.remote.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close remote connector")
		}
	}()

	e.logger.Info().Int("local_changes", len(log)).Msg("Engine started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Engine stopping")
			return nil
		case msg := <-e.inbox:
			e.handle(ctx, msg)
		}
	}
}

// SetMerger replaces the merger and its conflict policies. The swap takes
// effect the next time the engine is idle, never while a key is in flight.
func (e *Engine) SetMerger(m policy.Merger) error {
	if m == nil {
		return fmt.Errorf("merger is required")
	}
	if !e.post(message{call: func() { e.pendingMerger = m }}) {
		return ErrStopped
	}
	return nil
}

// Reload asks the remote connector to report its full change log again.
func (e *Engine) Reload(ctx context.Context) error {
	return e.remote.Reload(ctx)
}

// Status returns a snapshot of the reconciliation machine.
func (e *Engine) Status(ctx context.Context) (reconcile.Status, error) {
	reply := make(chan reconcile.Status, 1)
	if !e.post(message{call: func() { reply <- e.machine.Status() }}) {
		return reconcile.Status{}, ErrStopped
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return reconcile.Status{}, ctx.Err()
	case <-e.done:
		return reconcile.Status{}, ErrStopped
	}
}

// RemoteStateChanged implements RemoteObserver.
func (e *Engine) RemoteStateChanged(state reconcile.ConnectivityState, log changes.ChangeLog) {
	if e.tel != nil {
		e.tel.Metrics.SetConnectivity(state.Ordinal())
		_ = e.tel.Events.PublishConnectivityChanged(e.deviceID, string(state))
		if state == reconcile.ConnConnecting {
			e.tel.Metrics.RecordReconnect()
		}
	}
	e.post(message{event: reconcile.RemoteStateChanged{State: state, Changes: log.Clone()}})
}

// RemoteEntryChanged implements RemoteObserver.
func (e *Engine) RemoteEntryChanged(key changes.ObjectKey, state changes.ChangeState) {
	e.post(message{event: reconcile.RemoteEntryChanged{Key: key, State: state}})
}

func (e *Engine) localChanged(key changes.ObjectKey, state changes.ChangeState) {
	e.post(message{event: reconcile.LocalEntryChanged{Key: key, State: state}})
}

// post queues msg for the engine goroutine. It reports false once the engine
// has stopped.
func (e *Engine) post(msg message) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.inbox <- msg:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) handle(ctx context.Context, msg message) {
	switch {
	case msg.call != nil:
		msg.call()
	case msg.event != nil:
		if _, ok := msg.event.(reconcile.OperationCompleted); ok {
			e.lastErr = msg.opErr
		}
		e.apply(ctx, msg.event)
	}
	e.applyPendingMerger(ctx)
}

// apply advances the machine and carries out the resulting effects.
func (e *Engine) apply(ctx context.Context, ev reconcile.Event) {
	for _, fx := range e.machine.Advance(ev) {
		switch f := fx.(type) {
		case reconcile.Dispatch:
			e.dispatch(ctx, f)
		case reconcile.SyncStateChanged:
			e.syncStateChanged(f.State)
		case reconcile.ProgressChanged:
			e.progressChanged(f.Outstanding)
		case reconcile.LoadLocalRequested:
			e.wg.Add(1)
			go e.loadLocal(ctx)
		case reconcile.ActionStarted:
			e.actionStarted(ctx, f)
		case reconcile.KeyReconciled:
			e.keyReconciled(ctx, f)
		default:
			panic(fmt.Sprintf("engine: unknown effect %T", fx))
		}
	}

	// A cancelled action that is not replanned leaves the machine idle.
	if e.actionCtx != nil && e.machine.Idle() {
		e.cancelAction()
	}
}

func (e *Engine) applyPendingMerger(ctx context.Context) {
	if e.pendingMerger == nil || !e.machine.Idle() {
		return
	}
	m := e.pendingMerger
	e.pendingMerger = nil
	e.merger = m
	e.apply(ctx, reconcile.PoliciesChanged{Merge: m.MergePolicy(), Sync: m.SyncPolicy()})

	e.logger.Info().
		Str("merge_policy", string(m.MergePolicy())).
		Str("sync_policy", string(m.SyncPolicy())).
		Msg("Policy reloaded")
	if e.tel != nil {
		_ = e.tel.Events.PublishPolicyReloaded(e.deviceID, string(m.MergePolicy()), string(m.SyncPolicy()))
	}
}

func (e *Engine) syncStateChanged(state reconcile.SyncState) {
	old := e.state
	e.state = state
	e.logger.Info().Str("sync_state", string(state)).Str("previous", string(old)).Msg("Sync state changed")
	if e.tel != nil {
		e.tel.Metrics.SetSyncState(state.Ordinal())
		_ = e.tel.Events.PublishSyncStateChanged(e.deviceID, string(old), string(state))
	}
	if e.onStateChange != nil {
		e.onStateChange(state)
	}
}

func (e *Engine) progressChanged(outstanding int) {
	if e.tel != nil {
		e.tel.Metrics.SetOutstandingKeys(outstanding)
		_ = e.tel.Events.PublishProgress(e.deviceID, outstanding)
	}
	if e.onProgress != nil {
		e.onProgress(outstanding)
	}
}

func (e *Engine) actionStarted(ctx context.Context, f reconcile.ActionStarted) {
	if e.actionCtx != nil {
		e.cancelAction()
	}
	e.actionCtx = telemetry.WithActionContext(ctx, e.deviceID, f.Key.TypeName, f.Key.ID, string(f.Mode))
	e.actionMode = f.Mode
	e.lastErr = nil

	e.logger.Debug().
		Str("key_type", f.Key.TypeName).
		Str("key_id", f.Key.ID).
		Str("action", string(f.Mode)).
		Msg("Beginning operation")
}

func (e *Engine) keyReconciled(ctx context.Context, f reconcile.KeyReconciled) {
	actionCtx := e.actionCtx
	if actionCtx == nil {
		actionCtx = ctx
	}
	e.actionCtx = nil

	var err error
	if f.Failed {
		err = e.lastErr
		if err == nil {
			err = errActionFailed
		}
	}
	e.lastErr = nil
	telemetry.EndActionContext(actionCtx, e.deviceID, f.Key.String(), string(f.Mode), err)

	if e.tel != nil {
		e.tel.Metrics.SetFailedKeys(len(e.machine.FailedKeys()))
	}

	if err != nil {
		e.logger.Warn().
			Err(err).
			Str("key_type", f.Key.TypeName).
			Str("key_id", f.Key.ID).
			Str("action", string(f.Mode)).
			Msg("Failed to sync")
		return
	}
	e.logger.Debug().
		Str("key_type", f.Key.TypeName).
		Str("key_id", f.Key.ID).
		Str("action", string(f.Mode)).
		Msg("Synced")
}

func (e *Engine) cancelAction() {
	telemetry.CancelActionContext(e.actionCtx, string(e.actionMode))
	e.actionCtx = nil
	e.lastErr = nil
}

// dispatch runs one operation on its own goroutine. The goroutine posts
// exactly one OperationCompleted back.
func (e *Engine) dispatch(ctx context.Context, d reconcile.Dispatch) {
	store := e.storeFor(d.Replica)
	merger := e.merger
	opCtx := ctx
	if e.actionCtx != nil {
		opCtx = e.actionCtx
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		timer := telemetry.NewTimer()
		payload, err := e.execute(opCtx, store, merger, d)
		if err != nil {
			e.recordError(err)
		}
		e.logger.Trace().
			Str("replica", string(d.Replica)).
			Str("operation", string(d.Operation.Kind)).
			Str("key", d.Operation.Key.String()).
			Dur("duration", timer.Duration()).
			Bool("success", err == nil).
			Msg("Operation finished")

		e.post(message{
			event: reconcile.OperationCompleted{Success: err == nil, Payload: payload},
			opErr: err,
		})
	}()
}

func (e *Engine) execute(ctx context.Context, store Store, merger policy.Merger, d reconcile.Dispatch) (json.RawMessage, error) {
	op := d.Operation
	var payload json.RawMessage

	err := telemetry.RecordStoreOperation(ctx, string(d.Replica), string(op.Kind), op.Key.String(), func(ctx context.Context) error {
		switch op.Kind {
		case reconcile.OpLoad:
			p, err := store.Load(ctx, op.Key)
			if err != nil {
				return err
			}
			payload = p
			return nil
		case reconcile.OpSave:
			doc := op.Payload
			if op.IsMerge() {
				merged, err := merger.Merge(ctx, op.MergeWith, op.Payload)
				if err != nil {
					return NewConflictError("merge failed", err).WithCode(ErrCodeMergeFailed)
				}
				doc = merged
			}
			if err := store.Save(ctx, op.Key, doc); err != nil {
				return err
			}
			if op.IsMerge() {
				payload = doc
			}
			return nil
		case reconcile.OpRemove:
			return store.Remove(ctx, op.Key)
		case reconcile.OpMarkUnchanged:
			return store.MarkUnchanged(ctx, op.Key)
		default:
			panic(fmt.Sprintf("engine: unknown operation kind %q", string(op.Kind)))
		}
	})
	if err != nil {
		classified := *Classify(err)
		classified.Key = op.Key.String()
		classified.Operation = string(d.Replica) + "." + string(op.Kind)
		return nil, &classified
	}
	return payload, nil
}

func (e *Engine) recordError(err error) {
	ee := Classify(err)
	if e.tel != nil {
		e.tel.Metrics.RecordError(string(ee.Class), ee.Code)
	}
	e.logger.Debug().
		Err(err).
		Str("error_class", string(ee.Class)).
		Str("error_code", ee.Code).
		Msg("Operation failed")
}

func (e *Engine) storeFor(r reconcile.Replica) Store {
	switch r {
	case reconcile.ReplicaLocal:
		return e.local
	case reconcile.ReplicaRemote:
		return e.remote
	default:
		panic(fmt.Sprintf("engine: unknown replica %q", string(r)))
	}
}

// loadLocal lists the local change log for the machine, retrying with
// backoff until it succeeds or ctx is cancelled.
func (e *Engine) loadLocal(ctx context.Context) {
	defer e.wg.Done()

	for attempt := 0; ; attempt++ {
		log, err := e.local.ListChanges(ctx)
		if err == nil {
			e.post(message{event: reconcile.InitialLocalLog{Log: log, TriggerSync: true}})
			return
		}

		delay := Backoff(attempt, err)
		e.logger.Error().
			Err(err).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("Failed to load local change log")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}
