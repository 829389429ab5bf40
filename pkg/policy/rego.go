package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// RegoMerger computes merged documents with a Rego module. The module must
// define a `merged` rule in its package; it is evaluated with
// input = {"remote": <remote>, "local": <local>}.
//
//	package froyosync.merge
//
//	import rego.v1
//
//	merged := object.union(input.remote, input.local)
type RegoMerger struct {
	policies

	mu     sync.RWMutex
	name   string
	query  rego.PreparedEvalQuery
	logger zerolog.Logger
}

// NewRegoMerger compiles the module source and prepares its merged query.
func NewRegoMerger(ctx context.Context, name, source string, merge MergePolicy, syncPolicy SyncPolicy, logger zerolog.Logger) (*RegoMerger, error) {
	p, err := newPolicies(merge, syncPolicy)
	if err != nil {
		return nil, err
	}

	m := &RegoMerger{
		policies: p,
		logger:   logger.With().Str("component", "rego-merger").Logger(),
	}
	if err := m.Compile(ctx, name, source); err != nil {
		return nil, err
	}
	return m, nil
}

// Compile replaces the module used by the merger.
func (m *RegoMerger) Compile(ctx context.Context, name, source string) error {
	module, err := ast.ParseModule(name, source)
	if err != nil {
		return fmt.Errorf("failed to parse merge module: %w", err)
	}

	query := module.Package.Path.String() + ".merged"

	r := rego.New(
		rego.Module(name, source),
		rego.Query(query),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	m.mu.Lock()
	m.name = name
	m.query = prepared
	m.mu.Unlock()

	m.logger.Debug().
		Str("module", name).
		Str("query", query).
		Msg("Merge module compiled successfully")

	return nil
}

// Merge implements Merger.
func (m *RegoMerger) Merge(ctx context.Context, remote, local json.RawMessage) (json.RawMessage, error) {
	remoteDoc, err := decodeDocument(remote)
	if err != nil {
		return nil, fmt.Errorf("merge: invalid remote payload: %w", err)
	}
	localDoc, err := decodeDocument(local)
	if err != nil {
		return nil, fmt.Errorf("merge: invalid local payload: %w", err)
	}

	m.mu.RLock()
	query := m.query
	name := m.name
	m.mu.RUnlock()

	input := map[string]interface{}{
		"remote": remoteDoc,
		"local":  localDoc,
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("merge module %s evaluation error: %w", name, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("merge module %s produced no merged document", name)
	}

	out, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("merge: failed to encode merged document: %w", err)
	}
	return out, nil
}
