package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/froyosync/froyosync/pkg/changes"
)

type statusReport struct {
	DeviceID string            `json:"device_id"`
	Name     string            `json:"name,omitempty"`
	Store    string            `json:"store"`
	Remote   string            `json:"remote"`
	Objects  int               `json:"objects"`
	Changes  map[string]string `json:"changes"`
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local changes waiting to be synchronized",
		Long: `Show the device identity, the number of stored objects and every local
change that has not yet been reconciled with the remote.`,
		Example: `  froyosync status
  froyosync status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			dev, err := store.Device(ctx)
			if err != nil {
				return err
			}
			count, err := store.Count(ctx)
			if err != nil {
				return err
			}
			log, err := store.ListChanges(ctx)
			if err != nil {
				return err
			}

			report := statusReport{
				DeviceID: dev.ID,
				Name:     dev.Name,
				Store:    cfg.Store.Path,
				Remote:   cfg.Remote.Kind,
				Objects:  count,
				Changes:  make(map[string]string, len(log)),
			}
			for key, state := range log {
				report.Changes[key.String()] = state.String()
			}

			if jsonOutput {
				return printJSON(report)
			}

			fmt.Printf("Device:  %s (%s)\n", report.DeviceID, report.Name)
			fmt.Printf("Store:   %s\n", report.Store)
			fmt.Printf("Remote:  %s\n", report.Remote)
			fmt.Printf("Objects: %d\n", report.Objects)
			if len(log) == 0 {
				fmt.Println("\nNo local changes")
				return nil
			}

			fmt.Printf("\nLocal changes (%d):\n", len(log))
			keys := log.Keys()
			changes.SortKeys(keys)
			for _, key := range keys {
				fmt.Printf("  %-8s %s\n", log[key], key)
			}
			return nil
		},
	}

	return cmd
}
