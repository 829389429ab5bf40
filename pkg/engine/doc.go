// Package engine drives change reconciliation between a local replica and a
// remote replica.
//
// # Overview
//
// Each replica keeps a change log: the set of object keys modified since the
// last successful sync, each marked Changed or Deleted. The engine feeds both
// logs into a reconcile.Machine, which picks one key at a time, resolves it
// to an action through the conflict policies and walks the action's stage
// sequence. The engine carries out each stage as a Store operation:
//
//  1. Load - read the object from one replica
//  2. Save - write the object (or the merged object) to one replica
//  3. Remove - delete the object from one replica
//  4. MarkUnchanged - clear the key's change marker on one replica
//
// # Replicas
//
// The local replica implements LocalStore and reports every change log update
// through Subscribe. The remote replica implements RemoteConnector: it runs a
// session, reports its connectivity and full change log on Ready, and pushes
// incremental entries as other devices write.
//
//	type RemoteConnector interface {
//	    Store
//	    Connect(ctx context.Context, observer RemoteObserver) error
//	    Reload(ctx context.Context) error
//	    Close() error
//	}
//
// # Concurrency
//
// All machine state is owned by the goroutine running Run. Store callbacks,
// remote notifications, operation completions, SetMerger and Status are
// posted to one inbox and handled in order. Operations run on their own
// goroutines and post exactly one completion back. A completion that arrives
// after its action was superseded is discarded by the machine.
//
// # Error Classification
//
// Errors are classified for retry and reporting:
//
//   - Transient: the remote is unreachable or an operation timed out
//   - Conflict: the merger could not combine two documents
//   - Permanent: missing object, malformed payload, decryption failure
//
// A failed operation fails its key for the current pass. The key is listed in
// Status.FailedKeys and retried the next time either replica changes it.
//
//	if engine.IsTransient(err) {
//	    // the session will reconnect on its own
//	}
//
// # Example Usage
//
//	store, err := stores.Open(ctx, stores.Config{Path: "froyosync.db"})
//	conn, err := remote.NewHubConnector(hub, remote.Options{DeviceID: "laptop"})
//	merger, err := policy.NewStaticMerger(policy.MergeMerge, policy.SyncPreferUpdated)
//
//	eng, err := engine.New(engine.Options{
//	    DeviceID: "laptop",
//	    Local:    store,
//	    Remote:   conn,
//	    Merger:   merger,
//	    Logger:   log.Logger,
//	})
//	go eng.Run(ctx)
package engine
