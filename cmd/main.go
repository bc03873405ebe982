package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradejournal/internal/models"
)

var rootCmd = &cobra.Command{
	Use:           "tradejournal",
	Short:         "Trade journal chart image service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to the YAML config file")
}

func loadConfig(cmd *cobra.Command) (models.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return models.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := models.LoadConfig(path)
	if err != nil {
		return models.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
