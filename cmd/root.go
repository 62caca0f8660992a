package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aramirez6/talkgen/internal/config"
	"github.com/aramirez6/talkgen/internal/store"
	"github.com/spf13/cobra"
)

// Options holds the request configuration for the inference command
type Options struct {
	AudioPath       string
	ImagePath       string
	OutputDir       string
	Device          string
	Enhancer        string
	BatchSize       int
	ExpressionScale float64
	StillMode       bool
	Preprocess      string
	SaveBase64      bool
}

var (
	// Cfg is the environment-driven configuration, loaded before any command runs
	Cfg *config.Config
	// DB is the optional run-history store shared by subcommands; nil when unconfigured
	DB *store.Store
	// dbURL is the connection string
	dbURL string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "talkgen",
	Short:   "Audio-Driven Talking Face Generation",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load()
		if err != nil {
			return err
		}

		if dbURL == "" {
			dbURL = Cfg.DatabaseURL
		}
		// Run history is optional. Without a database the CLI is filesystem-only.
		if dbURL == "" {
			return nil
		}

		DB, err = store.New(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for run history (optional)")
}
