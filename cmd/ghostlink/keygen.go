package main

import (
	"encoding/hex"
	"fmt"

	"github.com/opd-ai/ghostlink/config"
	"github.com/opd-ai/ghostlink/crypto"
	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a server key pair for key exchange",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := crypto.GenerateAsymmetricKey()
			if err != nil {
				return err
			}
			if err := config.SavePrivateKey(out, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\npublic key %s\n", out, hex.EncodeToString(key.PublicKeyBytes()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "server.key", "private key file")
	return cmd
}
