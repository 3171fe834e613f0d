package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"captchabridge/internal/config"
)

func getCmdSecret(c *rootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage probe credentials in the OS keyring",
	}
	cmd.AddCommand(&cobra.Command{
		Use:         "set <probe-secret|probe-bearer> <value>",
		Short:       "Store a probe credential",
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{"skipConfig": "true"},
		RunE: func(_ *cobra.Command, args []string) error {
			switch args[0] {
			case "probe-secret", "probe-bearer":
			default:
				return fmt.Errorf("unknown secret %q", args[0])
			}
			if err := config.StoreSecret(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(c.stdOut, "%s stored in keyring %q\n", args[0], config.KeyringService)
			return nil
		},
	})
	return cmd
}
