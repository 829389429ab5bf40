package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/froyosync/froyosync/pkg/changes"
)

func newResetCommand() *cobra.Command {
	var (
		all      bool
		clearLog bool
	)

	cmd := &cobra.Command{
		Use:   "reset [type/id...]",
		Short: "Rewrite the local change log",
		Long: `Rewrite the local change log without touching stored objects.

With key arguments, or --all for every stored object, the keys are marked
changed so the next sync uploads them again. With --clear every recorded
change is dropped and nothing is uploaded.`,
		Example: `  # Upload two notes again
  froyosync reset note/n1 note/n2

  # Upload everything again, e.g. after pointing at a new remote
  froyosync reset --all

  # Forget every pending local change
  froyosync reset --clear`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			modes := 0
			for _, set := range []bool{len(args) > 0, all, clearLog} {
				if set {
					modes++
				}
			}
			if modes != 1 {
				return fmt.Errorf("pass keys, --all or --clear")
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if clearLog {
				if err := store.ClearAllChanges(ctx); err != nil {
					return err
				}
				fmt.Println("✓ Cleared all local changes")
				return nil
			}

			var keys []changes.ObjectKey
			if all {
				keys, err = store.Keys(ctx, "")
				if err != nil {
					return err
				}
			} else {
				for _, arg := range args {
					key, err := changes.ParseKey(arg)
					if err != nil {
						return err
					}
					keys = append(keys, key)
				}
			}

			if err := store.ResetAllChanges(ctx, keys); err != nil {
				return err
			}
			log.Debug().Int("keys", len(keys)).Msg("Marked keys changed")
			fmt.Printf("✓ Marked %d keys for upload\n", len(keys))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "mark every stored object changed")
	cmd.Flags().BoolVar(&clearLog, "clear", false, "drop every recorded change")

	return cmd
}
