// Package policy implements conflict resolution for froyosync.
//
// Given the change state of a key on the local and the remote replica, the
// conflict matrix picks the action that reconciles them. Two policies settle
// the ambiguous cells:
//
//   - MergePolicy decides what happens when both replicas changed the key
//     (keep_local, keep_remote or merge).
//   - SyncPolicy decides what happens when one replica changed the key and
//     the other deleted it (prefer_local, prefer_remote, prefer_updated,
//     prefer_deleted).
//
// # Mergers
//
// A Merger carries both policies and combines two conflicting payloads when
// the merge policy is merge. Three strategies are provided:
//
//  1. StaticMerger - shallow JSON object union, local fields win
//  2. RegoMerger - an OPA Rego module computes the merged document
//  3. StarlarkMerger - a Starlark merge(remote, local) function
//
// # Usage
//
//	loader := policy.NewLoader(logger)
//	merger, err := loader.Load(ctx, policy.Config{
//	    Merge:    policy.MergeMerge,
//	    Sync:     policy.SyncPreferUpdated,
//	    Strategy: policy.StrategyRego,
//	    Script:   "merge.rego",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	mode := policy.ResolveWith(merger, changes.Changed, changes.Changed)
package policy
