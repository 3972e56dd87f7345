// Package commands provides the CLI commands for eventnet.
package commands

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/VanDung-dev/eventnet/config"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	configPath string
	envFile    string
	logLevel   string
	prettyLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "eventnet",
	Short: "eventnet - tick-synchronized event bus with a network relay",
	Long: `eventnet runs the relay that routes networked events between nodes,
and a demo node that publishes and receives events through it.

Run 'eventnet relay' to start a relay, then 'eventnet node --relay <addr>'
on each participating machine.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty", false, "Human-readable console logs")

	rootCmd.SetVersionTemplate(fmt.Sprintf("eventnet %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("eventnet %s (%s)\n", Version, BuildTime)
	},
}

// loadEnvFile loads path into the process environment. A missing file is
// not an error; variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// applyLogFlags lets --log-level and --pretty override the file and env.
func applyLogFlags(cfg *config.LogConfig) {
	if logLevel != "" {
		cfg.Level = logLevel
	}
	if prettyLogs {
		cfg.Pretty = true
	}
	cfg.Apply()
}
