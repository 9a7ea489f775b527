// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbeema/httpinspect/pkg/agent"
	"github.com/mbeema/httpinspect/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		configDir   string
		pcapFile    string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	flag.StringVar(&pcapFile, "pcap", "", "replay a pcap or pcapng file instead of capturing live")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("httpinspect %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// A .env file in the working directory feeds HTTPINSPECT_* overrides.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
		os.Exit(1)
	}

	load := func() (*config.Config, error) {
		var cfg *config.Config
		var err error
		if configDir != "" {
			cfg, err = config.LoadDir(configDir)
		} else {
			cfg, err = loadConfig(configPath)
		}
		if err != nil {
			return nil, err
		}
		if pcapFile != "" {
			cfg.Capture.PcapFile = pcapFile
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		return cfg, nil
	}

	cfg, err := load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting httpinspect",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	a, err := agent.New(cfg, version, logger)
	if err != nil {
		logger.Fatal("failed to create inspector", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		logger.Fatal("failed to start inspector", zap.Error(err))
	}

	var watcher *config.Watcher
	if configDir != "" {
		watcher = config.NewWatcher(configDir, func(newCfg *config.Config, changedFile string) {
			if pcapFile != "" {
				newCfg.Capture.PcapFile = pcapFile
			}
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply reloaded config",
					zap.String("file", changedFile),
					zap.Error(err),
				)
			}
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Fatal("failed to start config watcher", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)

	// SIGHUP reloads configuration (single-file mode)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, unix.SIGHUP)

	exitCode := 0
	for running := true; running; {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			running = false

		case <-a.Done():
			// Capture ended on its own: a replayed file ran out or a source failed.
			if err := a.Wait(); err != nil {
				logger.Error("capture failed", zap.Error(err))
				exitCode = 1
			} else {
				logger.Info("capture finished")
			}
			running = false

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := load()
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			}
		}
	}

	if watcher != nil {
		watcher.Stop()
	}
	cancel()

	// Graceful shutdown with 30s timeout
	shutdownDone := make(chan struct{})
	go func() {
		if err := a.Stop(); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		logger.Info("httpinspect stopped")
	case <-time.After(30 * time.Second):
		logger.Error("shutdown timed out after 30s, forcing exit")
		exitCode = 1
	}
	logger.Sync()
	os.Exit(exitCode)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaults := []string{
		"configs/httpinspect.yaml",
		"/etc/httpinspect/httpinspect.yaml",
		"/etc/httpinspect.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	cfg := config.DefaultConfig()
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
