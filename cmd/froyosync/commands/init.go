package commands

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/froyosync/froyosync/pkg/config"
	"github.com/froyosync/froyosync/pkg/crypto"
	"github.com/froyosync/froyosync/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		name    string
		encrypt bool
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a froyosync device",
		Long: `Initialize a device with a local store, a device identity and a default
configuration file.

The configuration uses the in-memory remote. Edit the remote section to point
the device at an SFTP or Redis remote shared with other devices.`,
		Example: `  # Initialize in the current directory
  froyosync init --name laptop

  # Initialize with encryption enabled
  froyosync init --name laptop --encrypt

  # Initialize with a custom config path and data directory
  froyosync init --config /etc/froyosync/froyosync.yaml --data-dir /var/lib/froyosync`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if dataDir == "" {
				dataDir = filepath.Join(filepath.Dir(configPath), "data")
			}
			absDataDir, err := filepath.Abs(dataDir)
			if err != nil {
				return fmt.Errorf("failed to resolve data directory: %w", err)
			}

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config file %s already exists, use --force to overwrite", configPath)
			}

			log.Info().
				Str("config", configPath).
				Str("data_dir", absDataDir).
				Bool("encrypt", encrypt).
				Msg("Initializing device")

			if err := os.MkdirAll(absDataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", absDataDir, err)
			}
			fmt.Printf("✓ Created directory: %s\n", absDataDir)

			cfg := config.DefaultConfig(absDataDir, "")
			store, err := stores.Open(ctx, cfg.Store)
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()

			if name == "" {
				name, _ = os.Hostname()
			}
			dev, err := store.EnsureDevice(ctx, name)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.Store.Path)
			fmt.Printf("✓ Device: %s (%s)\n", dev.ID, dev.Name)

			cfg.Device.ID = dev.ID
			cfg.Device.Name = dev.Name

			if encrypt {
				salt, err := crypto.GenerateSalt()
				if err != nil {
					return err
				}
				cfg.Encryption.Enabled = true
				cfg.Encryption.Salt = base64.StdEncoding.EncodeToString(salt)
				fmt.Printf("✓ Generated encryption salt, set %s before syncing\n", cfg.Encryption.PassphraseEnv)
			}

			if err := config.Write(configPath, cfg); err != nil {
				return err
			}
			fmt.Printf("✓ Created config file: %s\n", configPath)

			fmt.Printf("\n✅ Device initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Point the remote section of %s at a shared remote\n\n", configPath)
			fmt.Printf("  2. Store an object:\n")
			fmt.Printf("     froyosync put note n1 '{\"title\":\"hello\"}'\n\n")
			fmt.Printf("  3. Synchronize:\n")
			fmt.Printf("     froyosync sync --watch\n\n")

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: data/ next to the config file)")
	cmd.Flags().StringVar(&name, "name", "", "device name (default: hostname)")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "encrypt payloads stored on the remote")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
