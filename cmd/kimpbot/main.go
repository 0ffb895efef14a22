package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"kimpbot/internal/config"
	"kimpbot/internal/engine"
	"kimpbot/internal/logging"
	"kimpbot/internal/monitor"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = pflag.StringP("config", "c", "config/config.yaml", "path to the YAML configuration file")
		monitorTUI = pflag.BoolP("monitor", "m", false, "render a TUI premium table to stdout and suppress console log output")
		help       = pflag.BoolP("help", "h", false, "print usage and exit")
	)
	pflag.Parse()

	if *help {
		pflag.Usage()
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.RotationSizeMB,
		MaxBackups: cfg.Logging.RotationCount,
		Monitor:    *monitorTUI,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	eng, err := engine.NewFromConfig(cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	if *monitorTUI {
		if err := monitor.Run(ctx, eng); err != nil {
			log.Error("monitor exited with error", zap.Error(err))
		}
		stop()
	}

	engineErr := <-errCh
	if engineErr == nil {
		return 0
	}
	if ctx.Err() != nil {
		// Shutdown was requested (signal or monitor quit); log but don't fail
		// the process over a disconnect error on the way out.
		log.Warn("engine reported an error during shutdown", zap.Error(engineErr))
		return 0
	}
	log.Error("engine exited with error", zap.Error(engineErr))
	return 1
}
