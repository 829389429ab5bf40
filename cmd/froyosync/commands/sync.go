package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/froyosync/froyosync/pkg/config"
	"github.com/froyosync/froyosync/pkg/crypto"
	"github.com/froyosync/froyosync/pkg/engine"
	"github.com/froyosync/froyosync/pkg/policy"
	"github.com/froyosync/froyosync/pkg/reconcile"
	"github.com/froyosync/froyosync/pkg/remote"
	"github.com/froyosync/froyosync/pkg/telemetry"
	sshtransport "github.com/froyosync/froyosync/pkg/transports/ssh"
)

const shutdownTimeout = 10 * time.Second

func newSyncCommand() *cobra.Command {
	var (
		watch   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local store with the remote",
		Long: `Reconcile local and remote changes.

Without --watch the command exits once a sync pass has finished. With --watch
it keeps running, uploads local edits as they are made and applies remote
changes as they arrive. Changes to the configuration file or the merge script
replace the conflict policies without a restart.`,
		Example: `  # Run one sync pass
  froyosync sync

  # Keep synchronizing until interrupted
  froyosync sync --watch

  # Give up on a single pass after one minute
  froyosync sync --timeout 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, loader, err := loadConfig()
			if err != nil {
				return err
			}
			return runSync(cmd.Context(), cfg, loader, watch, timeout)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep synchronizing until interrupted")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "maximum duration of a single pass (0 waits forever)")

	return cmd
}

func runSync(ctx context.Context, cfg *config.Config, loader *config.Loader, watch bool, timeout time.Duration) error {
	logger := log.Logger.With().Str("device_id", cfg.Device.ID).Logger()

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if cfg.Telemetry.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	enc, err := cfg.Encryption.Encryptor()
	if err != nil {
		return err
	}

	connector, err := newConnector(cfg, enc, logger)
	if err != nil {
		return err
	}

	policies := policy.NewLoader(logger)
	merger, err := policies.Load(ctx, cfg.Policy)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Holds the latest state only. The loop asks the engine for the full
	// status, so skipped intermediate states carry nothing it needs.
	states := make(chan reconcile.SyncState, 1)
	eng, err := engine.New(engine.Options{
		DeviceID:  cfg.Device.ID,
		Local:     store,
		Remote:    connector,
		Merger:    merger,
		Logger:    logger,
		Telemetry: tel,
		OnStateChange: func(state reconcile.SyncState) {
			publishState(states, state)
		},
	})
	if err != nil {
		return err
	}

	if watch {
		reloader := newConfigReloader(eng, policies, cfg, logger)
		watcher := config.NewWatcher(loader, cfg.Source, 0, logger)
		err := watcher.Watch(runCtx, cfg, func(next *config.Config) error {
			return reloader.apply(runCtx, next)
		})
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	errc := make(chan error, 1)
	go func() { errc <- eng.Run(runCtx) }()

	fmt.Printf("Synchronizing device %s with %s remote\n", cfg.Device.ID, cfg.Remote.Kind)

	var deadline <-chan time.Time
	if !watch && timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case err := <-errc:
			return err

		case <-deadline:
			cancel()
			<-errc
			return fmt.Errorf("sync did not finish within %s", timeout)

		case state := <-states:
			logger.Debug().Str("state", string(state)).Msg("Sync state changed")
			if !state.IsTerminal() {
				continue
			}
			status, err := eng.Status(runCtx)
			if err != nil || !status.State.IsTerminal() {
				continue
			}
			reportStatus(status)
			if watch {
				continue
			}
			cancel()
			if err := <-errc; err != nil {
				return err
			}
			if len(status.FailedKeys) > 0 {
				return fmt.Errorf("%d keys failed to synchronize", len(status.FailedKeys))
			}
			return nil
		}
	}
}

// publishState replaces any undelivered state in ch with state, so the
// reader always sees the most recent one. ch must have a buffer of one.
func publishState(ch chan reconcile.SyncState, state reconcile.SyncState) {
	for {
		select {
		case ch <- state:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// reloadTarget is the part of the engine a configuration reload touches.
type reloadTarget interface {
	SetMerger(m policy.Merger) error
	Reload(ctx context.Context) error
}

// configReloader hands reloaded configurations to a running engine. Only the
// policy section can change while running. The watcher calls apply from a
// single goroutine.
type configReloader struct {
	eng      reloadTarget
	policies *policy.Loader
	logger   zerolog.Logger

	// last is the most recently loaded configuration, applied or not.
	last *config.Config
}

func newConfigReloader(eng reloadTarget, policies *policy.Loader, cfg *config.Config, logger zerolog.Logger) *configReloader {
	return &configReloader{eng: eng, policies: policies, logger: logger, last: cfg}
}

func (r *configReloader) apply(ctx context.Context, next *config.Config) error {
	if restartRequired(r.last, next) {
		r.logger.Warn().Msg("Device, store and remote changes take effect after a restart")
	}
	r.last = next

	merger, err := r.policies.Load(ctx, next.Policy)
	if err != nil {
		return err
	}
	if err := r.eng.SetMerger(merger); err != nil {
		return err
	}

	r.logger.Info().
		Str("merge", string(merger.MergePolicy())).
		Str("sync", string(merger.SyncPolicy())).
		Msg("Conflict policies updated")

	// Re-read the remote change log so pending conflicts see the new policies.
	return r.eng.Reload(ctx)
}

// restartRequired reports whether next changes a section that is only read
// at startup.
func restartRequired(prev, next *config.Config) bool {
	return next.Device != prev.Device || next.Store.Path != prev.Store.Path || next.Remote.Kind != prev.Remote.Kind
}

// newConnector builds the remote connector selected by cfg.Remote.Kind.
func newConnector(cfg *config.Config, enc *crypto.Encryptor, logger zerolog.Logger) (engine.RemoteConnector, error) {
	opts := remote.Options{
		DeviceID:  cfg.Device.ID,
		Encryptor: enc,
		Logger:    logger,
	}

	switch cfg.Remote.Kind {
	case remote.KindMemory:
		logger.Warn().Msg("The memory remote is not shared with other devices")
		return remote.NewHubConnector(remote.NewHub(), opts)

	case remote.KindSFTP:
		sshCfg := cfg.Remote.SFTP.SSH
		transport, err := sshtransport.NewSSHClient(&sshCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create ssh transport: %w", err)
		}
		return remote.NewSFTPConnector(transport, *cfg.Remote.SFTP, opts)

	case remote.KindRedis:
		return remote.NewRedisConnector(*cfg.Remote.Redis, opts)

	default:
		return nil, fmt.Errorf("unsupported remote kind: %q", cfg.Remote.Kind)
	}
}

func reportStatus(status reconcile.Status) {
	if jsonOutput {
		_ = printJSON(status)
		return
	}
	switch status.State {
	case reconcile.SyncSynced:
		fmt.Println("✓ Synced")
	case reconcile.SyncSyncedWithErrors:
		fmt.Printf("✗ Synced with %d failed keys:\n", len(status.FailedKeys))
		for _, key := range status.FailedKeys {
			fmt.Printf("  - %s\n", key)
		}
	}
}
