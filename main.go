package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Nxdus/asf-fieldmap/config"
)

var (
	configPath string
	logLevel   string
	backendURL string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "asf-fieldmap",
	Short: "African Swine Fever field map console",
	Long: `Serves the ASF field map and gallery, keeps the case feed in sync with the
backend and gates image submissions on sign-in and a selected city.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	RunE:              runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "ASF backend base URL")

	rootCmd.AddCommand(serveCmd, casesCmd, watchCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.LogLevel = logLevel
	}
	if backendURL != "" {
		loaded.BackendURL = strings.TrimRight(backendURL, "/")
	}
	cfg = loaded

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))
	return nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
