package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"autocart/internal/autocart"
)

var (
	pushTitle string
	pushBody  string
	pushURL   string
	pushTTL   int
)

func init() {
	pushCmd.Flags().StringVar(&pushTitle, "title", "", "notification title")
	pushCmd.Flags().StringVar(&pushBody, "body", "", "notification body")
	pushCmd.Flags().StringVar(&pushURL, "url", "", "page opened on click")
	pushCmd.Flags().IntVar(&pushTTL, "ttl", 60, "seconds the push service keeps the message")
	rootCmd.AddCommand(pushCmd)
}

var pushCmd = &cobra.Command{
	Use:   "push <subscription.json>",
	Short: "Send a push message to a stored subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := autocart.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read subscription: %w", err)
		}
		var sub autocart.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return fmt.Errorf("parse subscription: %w", err)
		}

		sender := &autocart.Sender{
			VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
			Subscriber:      cfg.Push.Subscriber,
			TTL:             pushTTL,
		}
		msg := autocart.PushMessage{Title: pushTitle, Body: pushBody, URL: pushURL}
		if err := sender.Send(cmd.Context(), &sub, msg); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sent")
		return nil
	},
}
