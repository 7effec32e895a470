package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "autocart",
	Short:        "Offline core for the AutoCart catalog app",
	Long:         "Runs the AutoCart worker as a local caching proxy and provides push and catalog tooling.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("AUTOCART_CONFIG", "/autocart.yaml"), "path to autocart.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
