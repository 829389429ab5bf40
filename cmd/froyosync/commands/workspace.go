package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/config"
	"github.com/froyosync/froyosync/pkg/stores"
)

// loadConfig reads the configuration selected by --config.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader, err := config.NewLoader(log.Logger)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

// openStore opens the local store named by cfg and checks that it belongs to
// the configured device.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", cfg.Store.Path, err)
	}

	dev, err := store.Device(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("store %s is not initialized, run froyosync init: %w", cfg.Store.Path, err)
	}
	if dev.ID != cfg.Device.ID {
		_ = store.Close()
		return nil, fmt.Errorf("store %s belongs to device %s, config names %s", cfg.Store.Path, dev.ID, cfg.Device.ID)
	}
	return store, nil
}

// parseKey builds an object key from the type and id arguments.
func parseKey(typeName, id string) (changes.ObjectKey, error) {
	key := changes.NewKey(typeName, id)
	if err := key.Validate(); err != nil {
		return changes.ObjectKey{}, err
	}
	return key, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
