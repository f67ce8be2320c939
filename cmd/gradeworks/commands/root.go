package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gradeworks/gradeworks/pkg/config"
)

const cliExecutable = "gradeworks"

// NewCommand constructs the top-level gradeworks CLI command, wiring global
// flags, configuration loading and log setup.
func NewCommand() *cobra.Command {
	var (
		configFile     string
		verbosityCount int
		verbose        bool
		manager        *config.Manager
	)

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "Gradeworks runs asynchronous export and backup jobs",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			manager = config.NewManager()
			if err := manager.Load(cmd.Flags(), configFile); err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			cfg := manager.Get()
			configureLogging(cfg.Log, verbose, verbosityCount)

			cmd.SetContext(config.WithConfig(cmd.Context(), cfg))
			if root := cmd.Root(); root != nil && root != cmd {
				root.SetContext(cmd.Context())
			}
			return nil
		},
	}

	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.PersistentFlags().CountVarP(&verbosityCount, "verbosity", "v", "Increase logging verbosity (repeatable)")
	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")

	config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewJobsCommand())
	cmd.AddCommand(NewGCCommand())

	return cmd
}

// configureLogging applies the configured level and format to the global
// zerolog logger. Explicit verbosity flags win over the config file.
func configureLogging(cfg config.LogConfig, verbose bool, verbosityCount int) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
		level = parsed
	}
	if verbose || verbosityCount >= 2 {
		level = zerolog.DebugLevel
	} else if verbosityCount == 1 {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out *os.File = os.Stderr
	if cfg.File != "" {
		if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			out = f
		}
	}

	if cfg.Format == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}
