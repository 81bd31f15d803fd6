// Gray Logic NLP bridge.
//
// Runs a sentence classifier as a supervised worker process and exposes it
// to the rest of Gray Logic over MQTT. The same binary offers one-shot
// classification and history inspection for operators.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-nlp/internal/classifier"
	"github.com/nerrad567/gray-logic-nlp/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-nlp/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-nlp/internal/process"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// defaultConfigPath is used when neither --config nor GRAYLOGIC_NLP_CONFIG is set.
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "graylogic-nlp",
		Short:         "Sentence classifier bridge for Gray Logic",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default $GRAYLOGIC_NLP_CONFIG or "+defaultConfigPath+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newServeCommand(opts),
		newClassifyCommand(opts),
		newHistoryCommand(opts),
	)
	return root
}

// configPath resolves the config file location and whether it was asked for
// explicitly.
func (o *globalOptions) resolveConfigPath() (path string, explicit bool) {
	if o.configPath != "" {
		return o.configPath, true
	}
	if path := os.Getenv("GRAYLOGIC_NLP_CONFIG"); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// load reads the config and builds the logger. A missing default config
// file falls back to built-in defaults; a missing explicit one is an error.
func (o *globalOptions) load() (*config.Config, *logging.Logger, error) {
	path, explicit := o.resolveConfigPath()

	cfg, err := config.Load(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}
		if cfg, err = config.Default(); err != nil {
			return nil, nil, fmt.Errorf("loading default config: %w", err)
		}
	}

	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, logging.New(cfg.Logging, version), nil
}

// bridgeConfig maps the worker and transport sections onto a bridge config.
func bridgeConfig(cfg *config.Config, log *logging.Logger) classifier.Config {
	worker := process.DefaultConfig("classifier", cfg.Worker.Binary, cfg.Worker.Args)
	worker.Env = cfg.Worker.Env
	worker.WorkDir = cfg.Worker.WorkDir
	if cfg.Worker.GracefulTimeout > 0 {
		worker.GracefulTimeout = cfg.Worker.GracefulTimeout
	}
	if cfg.Worker.StreamDrainTimeout > 0 {
		worker.StreamDrainTimeout = cfg.Worker.StreamDrainTimeout
	}

	bc := classifier.Config{
		Worker:       worker,
		Framing:      cfg.Transport.Framing,
		Encoding:     cfg.Transport.Encoding,
		MaxFrameSize: cfg.Transport.MaxFrameSize,
	}
	if log != nil {
		bc.Logger = log.With("component", "classifier")
	}
	return bc
}

// serviceConfig maps the classifier section onto a service config.
func serviceConfig(cfg *config.Config, rec classifier.Recorder, log *logging.Logger) classifier.ServiceConfig {
	sc := classifier.ServiceConfig{
		Bridge:             bridgeConfig(cfg, log),
		RequestTimeout:     cfg.Classifier.RequestTimeout,
		RestartOnFailure:   cfg.Classifier.RestartOnFailure,
		RestartDelay:       cfg.Classifier.RestartDelay,
		MaxRestartDelay:    cfg.Classifier.MaxRestartDelay,
		MaxRestartAttempts: cfg.Classifier.MaxRestartAttempts,
		StableThreshold:    cfg.Classifier.StableThreshold,
		WatchPaths:         cfg.Classifier.WatchPaths,
		WatchDebounce:      cfg.Classifier.WatchDebounce,
		DrainTimeout:       cfg.Classifier.DrainTimeout,
		Recorder:           rec,
	}
	if log != nil {
		sc.Logger = log.With("component", "service")
	}
	return sc
}
