package policy

import (
	"fmt"

	"github.com/froyosync/froyosync/pkg/changes"
)

// Resolve returns the action for a key given its local and remote change
// states. Rows are the local state, columns the remote state:
//
//	local\remote  Unchanged       Changed          Deleted
//	Unchanged     DoNothing       DownloadRemote   DeleteLocal
//	Changed       UploadLocal     <merge policy>   <sync policy>
//	Deleted       DeleteRemote    <sync policy>    MarkAsUnchanged
//
// Resolve is total over valid inputs and panics on values outside the
// enumerations; callers validate policies when they are configured.
func Resolve(local, remote changes.ChangeState, merge MergePolicy, sync SyncPolicy) ActionMode {
	switch local {
	case changes.Unchanged:
		switch remote {
		case changes.Unchanged:
			return ActionDoNothing
		case changes.Changed:
			return ActionDownloadRemote
		case changes.Deleted:
			return ActionDeleteLocal
		}
	case changes.Changed:
		switch remote {
		case changes.Unchanged:
			return ActionUploadLocal
		case changes.Changed:
			return resolveBothChanged(merge)
		case changes.Deleted:
			return resolveChangedDeleted(sync)
		}
	case changes.Deleted:
		switch remote {
		case changes.Unchanged:
			return ActionDeleteRemote
		case changes.Changed:
			return resolveDeletedChanged(sync)
		case changes.Deleted:
			return ActionMarkAsUnchanged
		}
	}
	panic(fmt.Sprintf("policy: unmapped change states local=%s remote=%s", local, remote))
}

// ResolveWith resolves using the policies reported by m.
func ResolveWith(m Merger, local, remote changes.ChangeState) ActionMode {
	return Resolve(local, remote, m.MergePolicy(), m.SyncPolicy())
}

func resolveBothChanged(merge MergePolicy) ActionMode {
	switch merge {
	case MergeKeepLocal:
		return ActionUploadLocal
	case MergeKeepRemote:
		return ActionDownloadRemote
	case MergeMerge:
		return ActionMerge
	}
	panic(fmt.Sprintf("policy: unmapped merge policy %q", string(merge)))
}

// local changed, remote deleted
func resolveChangedDeleted(sync SyncPolicy) ActionMode {
	switch sync {
	case SyncPreferLocal, SyncPreferUpdated:
		return ActionUploadLocal
	case SyncPreferRemote, SyncPreferDeleted:
		return ActionDeleteLocal
	}
	panic(fmt.Sprintf("policy: unmapped sync policy %q", string(sync)))
}

// local deleted, remote changed
func resolveDeletedChanged(sync SyncPolicy) ActionMode {
	switch sync {
	case SyncPreferLocal, SyncPreferDeleted:
		return ActionDeleteRemote
	case SyncPreferRemote, SyncPreferUpdated:
		return ActionDownloadRemote
	}
	panic(fmt.Sprintf("policy: unmapped sync policy %q", string(sync)))
}
