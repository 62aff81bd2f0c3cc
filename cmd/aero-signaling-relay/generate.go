package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/keystore"
)

func generateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "generate <keyfile>",
		Short: "Generate a permanent key and write its secret to keyfile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !force {
				if _, err := os.Stat(path); err == nil {
					return usageError(fmt.Errorf("%s already exists (use --force to overwrite)", path))
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			k, err := keystore.Generate(rand.Reader)
			if err != nil {
				return err
			}
			if err := keystore.WriteKeyFile(path, k); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Public key: %s\n", k.PublicHex())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}
