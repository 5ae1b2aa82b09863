// Command promptgate runs the prompt admission service and its admin tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "promptgate",
	Short: "Prompt quota admission for guests and signed-in users.",
	Long: `promptgate decides whether a chat prompt may run. Guests are capped per device
fingerprint and per source IP; signed-in users inherit their guest usage once and
are capped on the combined total.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("PROMPTGATE_CONFIG"), "path to YAML config file")
	rootCmd.AddCommand(serveCmd, blockIPCmd, usageCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
