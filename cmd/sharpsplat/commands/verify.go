package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nameearly/sharpsplat/internal/config"
)

// NewVerifyCommand builds the `sharpsplat verify` subcommand: a read-only
// reconciliation of the local catalogue against the remote done/ set.
func NewVerifyCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Reconcile the local catalogue against the remote done set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger := buildLogger(cfg, verbose)
			gw := buildGateway(cfg, logger)
			index := buildIndexStore(gw, cfg)

			ctx := cmd.Context()

			if err := index.LoadOrInit(ctx); err != nil {
				return fmt.Errorf("verify: init index: %w", err)
			}

			report, err := index.Verify(ctx, cfg.Repo.DoneDir)
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}

			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "missing from catalogue: %d\n", len(report.MissingFromCatalogue))

			for _, id := range report.MissingFromCatalogue {
				fmt.Fprintf(out, "  %s\n", id)
			}

			fmt.Fprintf(out, "missing from done set: %d\n", len(report.MissingFromDone))

			for _, id := range report.MissingFromDone {
				fmt.Fprintf(out, "  %s\n", id)
			}

			if len(report.MissingFromCatalogue) == 0 && len(report.MissingFromDone) == 0 {
				color.New(color.FgGreen).Fprintln(out, "catalogue and done set agree")
			} else {
				color.New(color.FgYellow).Fprintln(out, "catalogue and done set disagree, see above")
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to an optional config file")

	return cmd
}
