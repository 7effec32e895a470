package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"autocart/internal/autocart"
)

func init() {
	rootCmd.AddCommand(vapidCmd)
}

var vapidCmd = &cobra.Command{
	Use:   "vapid",
	Short: "Generate a VAPID key pair for push.vapidPublicKey and push.vapidPrivateKey",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		priv, pub, err := autocart.GenerateVAPIDKeys()
		if err != nil {
			return fmt.Errorf("generate keys: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "push:")
		fmt.Fprintf(out, "  vapidPublicKey: %s\n", pub)
		fmt.Fprintf(out, "  vapidPrivateKey: %s\n", priv)
		return nil
	},
}
