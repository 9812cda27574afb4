// Command sage runs the obligation lifecycle engine and its one-shot tools.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "sage",
		Short:         "Track follow-up obligations and escalate the ones nobody answered",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("SAGE_CONFIG"), "path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	root.AddCommand(
		serveCmd(opts),
		scanCmd(opts),
		dispatchCmd(opts),
		migrateCmd(opts),
		tokenCmd(opts),
		configCmd(opts),
		versionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("sage: %v", err)
	}
}
