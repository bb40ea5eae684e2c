package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/filedrop/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "filedrop",
	Short: "filedrop is a self-hosted file drop",
	Long: `A self-hosted file drop. Operators unlock a session with the master key,
automation uploads with API keys, and every file is downloaded with its own
capability link.
Complete documentation is available at https://github.com/jmcleod/filedrop`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	config.RegisterFlags(rootCmd.PersistentFlags())
}

// loadConfig layers the config file, FILEDROP_* variables and explicitly set
// flags, then validates the result.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level, _ := cfg.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
