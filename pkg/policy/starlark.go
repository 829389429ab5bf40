package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const (
	defaultStarlarkTimeout = 5 * time.Second
	maxStarlarkSteps       = 10_000_000
)

// StarlarkMerger calls a Starlark `merge(remote, local)` function that
// returns the merged value:
//
//	def merge(remote, local):
//	    out = dict(remote)
//	    out.update(local)
//	    return out
//
// Payloads reach the script through the json module, so objects arrive as
// dicts and whole numbers as ints. The script may use json and struct
// itself.
type StarlarkMerger struct {
	policies

	name    string
	source  string
	timeout time.Duration
}

// NewStarlarkMerger validates that the script defines a callable merge.
func NewStarlarkMerger(name, source string, merge MergePolicy, syncPolicy SyncPolicy, timeout time.Duration) (*StarlarkMerger, error) {
	p, err := newPolicies(merge, syncPolicy)
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = defaultStarlarkTimeout
	}

	m := &StarlarkMerger{
		policies: p,
		name:     name,
		source:   source,
		timeout:  timeout,
	}
	if _, err := m.load(newStarlarkThread(name)); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	jsonDecode = starlarkjson.Module.Members["decode"]
	jsonEncode = starlarkjson.Module.Members["encode"]
)

// Merge implements Merger. The script is re-executed for every call so no
// state carries over between merges.
func (m *StarlarkMerger) Merge(ctx context.Context, remote, local json.RawMessage) (json.RawMessage, error) {
	if !json.Valid(remote) {
		return nil, fmt.Errorf("merge: invalid remote payload")
	}
	if !json.Valid(local) {
		return nil, fmt.Errorf("merge: invalid local payload")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	thread := newStarlarkThread(m.name)
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	fn, err := m.load(thread)
	if err != nil {
		return nil, err
	}

	args := make(starlark.Tuple, 2)
	for i, doc := range []json.RawMessage{remote, local} {
		if args[i], err = starlark.Call(thread, jsonDecode, starlark.Tuple{starlark.String(doc)}, nil); err != nil {
			return nil, fmt.Errorf("merge: failed to load payload: %w", err)
		}
	}

	result, err := starlark.Call(thread, fn, args, nil)
	if err != nil {
		return nil, fmt.Errorf("starlark merge failed: %w", err)
	}

	encoded, err := starlark.Call(thread, jsonEncode, starlark.Tuple{result}, nil)
	if err != nil {
		return nil, fmt.Errorf("merge: %s returned a value that is not JSON: %w", m.name, err)
	}
	s, ok := starlark.AsString(encoded)
	if !ok {
		return nil, fmt.Errorf("merge: json.encode returned %s", encoded.Type())
	}
	return json.RawMessage(s), nil
}

func (m *StarlarkMerger) load(thread *starlark.Thread) (starlark.Callable, error) {
	predeclared := starlark.StringDict{
		"json":   starlarkjson.Module,
		"struct": starlarkstruct.Default,
	}

	globals, err := starlark.ExecFile(thread, m.name, m.source, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	fn, ok := globals["merge"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("starlark script %s must define merge(remote, local)", m.name)
	}
	return fn, nil
}

func newStarlarkThread(name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name:  name,
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(maxStarlarkSteps)
	return thread
}
