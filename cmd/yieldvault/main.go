// Command yieldvault runs the yield aggregation vault.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/R3E-Network/yieldvault/internal/config"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

var (
	configPath string
	envFile    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "yieldvault",
	Short:         "Multi-backend yield aggregation vault",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level")

	rootCmd.AddCommand(serveCmd, simulateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the dotenv file (if present), then the YAML config, and
// builds the root logger.
func loadConfig() (*config.Config, *logger.Logger, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, logger.New(cfg.Log.Logger()), nil
}
