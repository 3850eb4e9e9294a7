package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nameearly/sharpsplat/internal/config"
)

// NewConfigCommand builds the `sharpsplat config` parent command.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}

	cmd.AddCommand(newConfigShowCommand())

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			redacted := *cfg
			if redacted.Repo.Token != "" {
				redacted.Repo.Token = "<redacted>"
			}

			if redacted.Upstream.AccessKey != "" {
				redacted.Upstream.AccessKey = "<redacted>"
			}

			for i := range redacted.Upstream.KeyPool {
				redacted.Upstream.KeyPool[i] = "<redacted>"
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if err := enc.Encode(&redacted); err != nil {
				return fmt.Errorf("config show: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to an optional config file")

	return cmd
}
