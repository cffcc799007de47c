package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/user/gophercall/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "gophercall",
	Short:        "Voice call engine bridging a host reply pipeline to the calling service",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".gophercall", "config.json"),
		"config file path")
}

// loadConfig reads the config file, creating it with defaults on first run.
// A .env file in the working directory is folded into the environment first
// so GOPHERCALL_API_KEY and friends can live there instead of the config.
func loadConfig() *config.Config {
	_ = godotenv.Load()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
