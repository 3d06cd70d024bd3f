package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/tandem/internal/config"
	"github.com/aretw0/tandem/internal/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tandem",
	Short: "Tandem is a collaborative editing sync server",
	Long:  `Tandem relays CRDT updates between the peers of a document and persists their state.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file (TANDEM_* variables override it)")
	rootCmd.PersistentFlags().String("env-file", "", "Path to a dotenv file with TANDEM_* variables")
}

// loadConfig reads the configuration selected by the --config and --env-file flags
// and builds the logger it describes.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	var opts []config.LoadOption
	if envFile, _ := cmd.Flags().GetString("env-file"); envFile != "" {
		opts = append(opts, config.WithEnvFile(envFile))
	}
	cfg, err := config.Load(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	level, _ := cfg.Level()
	return cfg, logging.New(level), nil
}
