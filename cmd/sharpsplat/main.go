// Package main provides the entry point for the sharpsplat harvester
// CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nameearly/sharpsplat/cmd/sharpsplat/commands"
)

var (
	verbose bool
	quiet   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sharpsplat",
		Short: "Harvest photos, predict Gaussian splats, and publish them to a shared repository",
		Long: `sharpsplat coordinates a pool of workers that discover photos from an
upstream photo API, run an external 3D-Gaussian-splat predictor on each,
and publish the results to a shared versioned repository with no central
lock service.

Commands:
  run           Claim ranges and run the discover/predict/commit pipeline
  verify        Reconcile the local catalogue against the remote done/ set
  config show   Print the resolved configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "accepted but has no effect: commands print their normal output")

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewVerifyCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
