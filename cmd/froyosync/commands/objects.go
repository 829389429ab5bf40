package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newPutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <type> <id> [json]",
		Short: "Store an object locally",
		Long: `Store a JSON object under a type and id in the local store and mark it
changed. The document is read from stdin when no argument is given.`,
		Example: `  froyosync put note n1 '{"title":"groceries"}'
  cat note.json | froyosync put note n1`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			key, err := parseKey(args[0], args[1])
			if err != nil {
				return err
			}

			var data []byte
			if len(args) == 3 {
				data = []byte(args[2])
			} else {
				data, err = io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
			}
			if !json.Valid(data) {
				return fmt.Errorf("payload for %s is not valid JSON", key)
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

			if err := store.Put(ctx, key, json.RawMessage(data)); err != nil {
				return err
			}
			fmt.Printf("✓ Stored %s\n", key)
			return nil
		},
	}

	return cmd
}

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <type> [id]",
		Short: "Print a stored object or list the ids of a type",
		Example: `  froyosync get note n1
  froyosync get note`,
		Args: cobra.RangeArgs(1, 2),
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

			if len(args) == 1 {
				keys, err := store.Keys(ctx, args[0])
				if err != nil {
					return err
				}
				for _, key := range keys {
					fmt.Println(key.ID)
				}
				return nil
			}

			key, err := parseKey(args[0], args[1])
			if err != nil {
				return err
			}
			obj, err := store.Get(ctx, key)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(obj)
			}
			fmt.Println(string(obj.Data))
			return nil
		},
	}

	return cmd
}

func newRmCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rm <type> <id>",
		Short:   "Delete an object locally",
		Long:    `Delete an object from the local store and mark it deleted so the deletion reaches the remote on the next sync.`,
		Example: `  froyosync rm note n1`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			key, err := parseKey(args[0], args[1])
			if err != nil {
				return err
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

			if err := store.Delete(ctx, key); err != nil {
				return err
			}
			fmt.Printf("✓ Deleted %s\n", key)
			return nil
		},
	}

	return cmd
}
