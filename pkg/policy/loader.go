package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Loader builds Mergers from policy configuration, reading merge scripts from
// disk.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new merger loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// Load validates cfg and returns the Merger it describes.
func (l *Loader) Load(ctx context.Context, cfg Config) (Merger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy configuration: %w", err)
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = inferStrategy(cfg.Script)
	}

	var (
		merger Merger
		err    error
	)
	switch strategy {
	case StrategyStatic:
		merger, err = NewStaticMerger(cfg.Merge, cfg.Sync)
	case StrategyRego:
		var source string
		if source, err = l.readScript(cfg.Script); err == nil {
			merger, err = NewRegoMerger(ctx, scriptName(cfg.Script), source, cfg.Merge, cfg.Sync, l.logger)
		}
	case StrategyStarlark:
		var source string
		if source, err = l.readScript(cfg.Script); err == nil {
			merger, err = NewStarlarkMerger(scriptName(cfg.Script), source, cfg.Merge, cfg.Sync, 0)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s merger: %w", strategy, err)
	}

	l.logger.Info().
		Str("strategy", string(strategy)).
		Str("merge_policy", string(cfg.Merge)).
		Str("sync_policy", string(cfg.Sync)).
		Msg("Merge policy loaded")

	return merger, nil
}

func (l *Loader) readScript(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read merge script: %w", err)
	}
	l.logger.Debug().Str("path", path).Int("size", len(data)).Msg("Read merge script")
	return string(data), nil
}

// inferStrategy picks a strategy from the script extension.
func inferStrategy(script string) Strategy {
	switch strings.ToLower(filepath.Ext(script)) {
	case ".rego":
		return StrategyRego
	case ".star", ".starlark", ".py":
		return StrategyStarlark
	default:
		return StrategyStatic
	}
}

func scriptName(path string) string {
	return filepath.Base(path)
}
