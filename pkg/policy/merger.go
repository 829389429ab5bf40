package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Merger supplies the conflict policies and combines two conflicting
// versions of an object. Implementations must be safe for concurrent use.
type Merger interface {
	// MergePolicy resolves Changed/Changed conflicts.
	MergePolicy() MergePolicy

	// SyncPolicy resolves Changed/Deleted conflicts.
	SyncPolicy() SyncPolicy

	// Merge combines the remote and local payloads of a conflicting object.
	// An error fails the key's action.
	Merge(ctx context.Context, remote, local json.RawMessage) (json.RawMessage, error)
}

// policies carries the two conflict policies shared by every strategy.
type policies struct {
	merge MergePolicy
	sync  SyncPolicy
}

func newPolicies(merge MergePolicy, sync SyncPolicy) (policies, error) {
	if err := merge.Validate(); err != nil {
		return policies{}, err
	}
	if err := sync.Validate(); err != nil {
		return policies{}, err
	}
	return policies{merge: merge, sync: sync}, nil
}

// MergePolicy implements Merger.
func (p policies) MergePolicy() MergePolicy { return p.merge }

// SyncPolicy implements Merger.
func (p policies) SyncPolicy() SyncPolicy { return p.sync }

// StaticMerger merges JSON objects with a shallow field union where local
// fields win on overlap. When either side is not a JSON object the local
// payload is kept as is.
type StaticMerger struct {
	policies
}

// NewStaticMerger creates a StaticMerger with the given policies.
func NewStaticMerger(merge MergePolicy, sync SyncPolicy) (*StaticMerger, error) {
	p, err := newPolicies(merge, sync)
	if err != nil {
		return nil, err
	}
	return &StaticMerger{policies: p}, nil
}

// Merge implements Merger.
func (m *StaticMerger) Merge(ctx context.Context, remote, local json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	remoteObj, remoteOK := decodeObject(remote)
	localObj, localOK := decodeObject(local)
	if !localOK {
		if len(bytes.TrimSpace(local)) == 0 {
			return nil, fmt.Errorf("merge: local payload is empty")
		}
		return cloneRaw(local), nil
	}
	if !remoteOK {
		return cloneRaw(local), nil
	}

	merged := make(map[string]json.RawMessage, len(remoteObj)+len(localObj))
	for k, v := range remoteObj {
		merged[k] = v
	}
	for k, v := range localObj {
		merged[k] = v
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("merge: failed to encode merged object: %w", err)
	}
	return out, nil
}

func decodeObject(data json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// decodeDocument decodes a payload into generic Go values, keeping numbers
// as json.Number so integers survive the round trip.
func decodeDocument(data json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func cloneRaw(data json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(data))
	copy(out, data)
	return out
}
