package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/af-corp/aegis-orchestrator/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:          "orchestrator",
		Short:        "Multi-provider AI request orchestrator",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "", "path to configuration directory (default $ORCH_CONFIG_DIR or ./configs)")

	root.AddCommand(
		newServeCmd(&configDir),
		newProvidersCmd(&configDir),
		newCheckConfigCmd(&configDir),
	)
	return root
}

// resolveEnv merges the --config flag over the ORCH_* environment.
func resolveEnv(configDir string) (config.Env, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return env, fmt.Errorf("read environment: %w", err)
	}
	if configDir != "" {
		env.ConfigDir = configDir
	}
	return env, nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
