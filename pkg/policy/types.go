package policy

import (
	"fmt"
)

// MergePolicy resolves Changed/Changed conflicts.
type MergePolicy string

const (
	// MergeKeepLocal uploads the local version over the remote one.
	MergeKeepLocal MergePolicy = "keep_local"

	// MergeKeepRemote downloads the remote version over the local one.
	MergeKeepRemote MergePolicy = "keep_remote"

	// MergeMerge combines both versions with the configured Merger.
	MergeMerge MergePolicy = "merge"
)

// MergePolicies lists every MergePolicy value.
var MergePolicies = []MergePolicy{MergeKeepLocal, MergeKeepRemote, MergeMerge}

// Validate checks if the merge policy is valid.
func (p MergePolicy) Validate() error {
	switch p {
	case MergeKeepLocal, MergeKeepRemote, MergeMerge:
		return nil
	default:
		return fmt.Errorf("invalid merge policy: %q", string(p))
	}
}

// SyncPolicy resolves Changed/Deleted conflicts.
type SyncPolicy string

const (
	// SyncPreferLocal keeps whatever the local replica did.
	SyncPreferLocal SyncPolicy = "prefer_local"

	// SyncPreferRemote keeps whatever the remote replica did.
	SyncPreferRemote SyncPolicy = "prefer_remote"

	// SyncPreferUpdated keeps the changed side over the deleted side.
	SyncPreferUpdated SyncPolicy = "prefer_updated"

	// SyncPreferDeleted keeps the deleted side over the changed side.
	SyncPreferDeleted SyncPolicy = "prefer_deleted"
)

// SyncPolicies lists every SyncPolicy value.
var SyncPolicies = []SyncPolicy{SyncPreferLocal, SyncPreferRemote, SyncPreferUpdated, SyncPreferDeleted}

// Validate checks if the sync policy is valid.
func (p SyncPolicy) Validate() error {
	switch p {
	case SyncPreferLocal, SyncPreferRemote, SyncPreferUpdated, SyncPreferDeleted:
		return nil
	default:
		return fmt.Errorf("invalid sync policy: %q", string(p))
	}
}

// ActionMode is the reconciliation action chosen for a key.
type ActionMode string

const (
	// ActionDoNothing means both replicas agree.
	ActionDoNothing ActionMode = "do_nothing"

	// ActionDownloadRemote copies the remote object into the local store.
	ActionDownloadRemote ActionMode = "download_remote"

	// ActionDeleteLocal removes the local object.
	ActionDeleteLocal ActionMode = "delete_local"

	// ActionUploadLocal copies the local object to the remote store.
	ActionUploadLocal ActionMode = "upload_local"

	// ActionMerge merges both objects and writes the result to both stores.
	ActionMerge ActionMode = "merge"

	// ActionDeleteRemote removes the remote object.
	ActionDeleteRemote ActionMode = "delete_remote"

	// ActionMarkAsUnchanged clears a key both replicas deleted.
	ActionMarkAsUnchanged ActionMode = "mark_as_unchanged"
)

// ActionModes lists every ActionMode value.
var ActionModes = []ActionMode{
	ActionDoNothing,
	ActionDownloadRemote,
	ActionDeleteLocal,
	ActionUploadLocal,
	ActionMerge,
	ActionDeleteRemote,
	ActionMarkAsUnchanged,
}

// Validate checks if the action mode is valid.
func (a ActionMode) Validate() error {
	switch a {
	case ActionDoNothing, ActionDownloadRemote, ActionDeleteLocal, ActionUploadLocal,
		ActionMerge, ActionDeleteRemote, ActionMarkAsUnchanged:
		return nil
	default:
		return fmt.Errorf("invalid action mode: %q", string(a))
	}
}

// Strategy names a Merger implementation.
type Strategy string

const (
	// StrategyStatic merges JSON objects field by field, local fields winning.
	StrategyStatic Strategy = "static"

	// StrategyRego evaluates a Rego module to compute the merged object.
	StrategyRego Strategy = "rego"

	// StrategyStarlark calls a Starlark merge(remote, local) function.
	StrategyStarlark Strategy = "starlark"
)

// Config selects the conflict policies and the merge strategy.
type Config struct {
	// Merge resolves Changed/Changed conflicts.
	Merge MergePolicy `json:"merge" yaml:"merge" validate:"required,oneof=keep_local keep_remote merge"`

	// Sync resolves Changed/Deleted conflicts.
	Sync SyncPolicy `json:"sync" yaml:"sync" validate:"required,oneof=prefer_local prefer_remote prefer_updated prefer_deleted"`

	// Strategy selects the merge implementation (static, rego, starlark).
	Strategy Strategy `json:"strategy" yaml:"strategy" validate:"omitempty,oneof=static rego starlark"`

	// Script is the path to the Rego module or Starlark file used by the
	// rego and starlark strategies.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`
}

// DefaultConfig returns the policy configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Merge:    MergeMerge,
		Sync:     SyncPreferUpdated,
		Strategy: StrategyStatic,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if err := c.Merge.Validate(); err != nil {
		return err
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	switch c.Strategy {
	case "", StrategyStatic:
	case StrategyRego, StrategyStarlark:
		if c.Script == "" {
			return fmt.Errorf("strategy %s requires a script", c.Strategy)
		}
	default:
		return fmt.Errorf("invalid merge strategy: %q", string(c.Strategy))
	}
	return nil
}
