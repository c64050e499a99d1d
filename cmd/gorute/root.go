package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caffeineduck/gorute/config"
	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "gorute",
	Short: "HTTP host for scripted request handlers",
	Long: `gorute - Serve HTTP routes whose handlers are scripts.

Handlers can be written in lua, javascript, go, starlark, expr or wasm.
Routes, probes and host settings come from a YAML config file; each
language runs in a bounded pool of reusable runtimes.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "gorute.yaml", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override log level: debug, info, warn, error")
}

// loadConfig reads the config named by --config. A missing file yields the
// defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return logger, nil
}

func getLanguage(langFlag, filename string) (executor.Language, error) {
	if langFlag != "" {
		return executor.ParseLanguage(langFlag)
	}
	if filename != "" {
		if lang, ok := executor.LanguageForFile(filepath.Base(filename)); ok {
			return lang, nil
		}
	}
	return "", fmt.Errorf("language required: use --lang with one of %v", executor.Languages())
}
