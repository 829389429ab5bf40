package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/froyosync/froyosync/pkg/config"
	"github.com/froyosync/froyosync/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file without starting synchronization.

This command checks:
  - YAML or CUE syntax
  - Schema conformance
  - Field constraints such as required remote settings
  - That the merge script, if any, compiles`,
		Example: `  # Validate the default config
  froyosync validate

  # Validate a specific file
  froyosync validate ./devices/laptop.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}

			log.Debug().Str("path", path).Msg("Validating configuration")

			loader, err := config.NewLoader(log.Logger)
			if err != nil {
				return err
			}

			cfg, err := loader.Load(path)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					if jsonOutput {
						_ = printJSON(verrs)
					} else {
						for _, ve := range verrs {
							fmt.Printf("✗ %s\n", ve.String())
						}
					}
					return fmt.Errorf("%s is invalid (%d errors)", path, len(verrs))
				}
				return err
			}

			if _, err := policy.NewLoader(log.Logger).Load(cmd.Context(), cfg.Policy); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{"path": path, "valid": true})
			}
			fmt.Printf("✓ %s is valid (device %s, %s remote)\n", path, cfg.Device.ID, cfg.Remote.Kind)
			return nil
		},
	}

	return cmd
}
