package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gradeworks/gradeworks/pkg/config"
	"github.com/gradeworks/gradeworks/pkg/server/app"
)

// NewServeCommand constructs the serve subcommand: it assembles the engine
// and HTTP server from configuration and runs until interrupted.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ok := config.FromContext(cmd.Context())
			if !ok {
				return fmt.Errorf("configuration not loaded")
			}

			application, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("assemble server: %w", err)
			}

			log.Info().
				Str("component", "serve").
				Str("workspace", cfg.Storage.WorkspaceRoot).
				Int("workers", cfg.Engine.Workers).
				Msg("Starting job engine")

			return application.Run(cmd.Context())
		},
	}

	return cmd
}
