// Package cli implements the agentrelay command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Strob0t/agentrelay/internal/config"
	"github.com/Strob0t/agentrelay/internal/logger"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/Strob0t/agentrelay/internal/cli.version=1.2.3"
	version = "0.1.0"
	logo    = "\n" +
		"   __ _  __ _  ___ _ __ | |_ _ __ ___| | __ _ _   _\n" +
		"  / _` |/ _` |/ _ \\ '_ \\| __| '__/ _ \\ |/ _` | | | |\n" +
		" | (_| | (_| |  __/ | | | |_| | |  __/ | (_| | |_| |\n" +
		"  \\__,_|\\__, |\\___|_| |_|\\__|_|  \\___|_|\\__,_|\\__, |\n" +
		"        |___/                                |___/\n"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "agentrelay",
	Short:         "agentrelay - agent task execution and message sequencing engine",
	Long:          color.CyanString(logo) + "\nSerializes agent work per topic, drives sandbox tasks and sequences their messages.",
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), color.RedString("error:"), err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "Path to the YAML config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(forkCmd)
}

// loadConfig reads the config and installs the structured logger as the
// slog default. The returned func flushes the logger.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	return cfg, closer.Close, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "agentrelay %s\n", version)
	},
}
