// Package reconcile implements the change reconciliation controller.
//
// A Machine holds the local and remote change logs, picks one key at a time,
// resolves it through the conflict matrix in package policy and walks the
// resulting action through its stages. Each stage is one store operation:
//
//	download_remote    remote.Load, local.Save, remote.MarkUnchanged
//	delete_local       local.Remove, remote.MarkUnchanged
//	upload_local       local.Load, remote.Save, local.MarkUnchanged
//	merge              remote.Load, local.Load, local.Save(merged), remote.Save(merged)
//	delete_remote      remote.Remove, local.MarkUnchanged
//	mark_as_unchanged  local.MarkUnchanged, remote.MarkUnchanged
//
// The machine never performs I/O. Inputs arrive as Events passed to Advance,
// and the work to do comes back as Effects. At most one Dispatch is ever
// outstanding; the runtime answers it with a single OperationCompleted.
//
// A change reported for the key being processed cancels its action. The
// outstanding operation still completes, but its result is discarded and the
// key is planned again from its new state.
package reconcile
