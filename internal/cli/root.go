// Package cli provides the command-line interface for the trading gateway.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradegate/internal/config"
	"tradegate/internal/gateway"
)

// Version information
const (
	Version = "0.1.0"
)

// App holds the application dependencies shared by all commands.
type App struct {
	Config  *config.Provider
	Logger  zerolog.Logger
	Gateway *gateway.Gateway
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Provider, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "tradegate",
		Short: "Trading gateway with risk controls and reconciliation",
		Long: `tradegate is the safety and bookkeeping layer of an automated trading
setup: it turns trade intents into venue orders under idempotency
guarantees, gates every intent through layered risk checks, and keeps
local state consistent with the venue via reconciliation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/tradegate)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newAuditCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("tradegate %s\n", Version)
		},
	}
}
