package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/metalagman/clausegate/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var defaultConfigPath = filepath.Join(".clausegate", "config.json")

// Execute runs the root command. SIGINT and SIGTERM cancel its context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		debug   bool
		logJSON bool
	)
	rootCmd := &cobra.Command{
		Use:           "clausegate",
		Short:         "clausegate reviews contracts with agent teams behind human approval gates",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(logging.Options{Debug: debug, JSON: logJSON})
			return loadDotEnv()
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "write logs as JSON lines")
	cobra.CheckErr(viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")))

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(experimentCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reviewCmd())
	return rootCmd
}

// loadDotEnv makes API keys from a local .env visible to the risk backends.
// Variables already set in the environment win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
}
