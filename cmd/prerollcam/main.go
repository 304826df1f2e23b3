// Command prerollcam runs the continuous pre-roll recorder: it keeps a
// rolling window of recent video per camera in a memory-backed store
// and cuts exact-duration clips on demand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prerollcam/prerollcam/internal/config"
	"github.com/prerollcam/prerollcam/internal/faults"
	"github.com/prerollcam/prerollcam/internal/logging"
	"github.com/prerollcam/prerollcam/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the flat KEY=VALUE config file")
	flag.Parse()

	// Logging comes up before config so a config error is still a
	// structured log line.
	logBuffer := logging.NewRingBuffer(1000)
	handler := logging.NewStreamHandler(logBuffer, os.Stdout, slog.LevelInfo)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration invalid", "path", *configPath, "error", err)
		os.Exit(orchestrator.ExitConfigError)
	}

	// Re-level the handler now that the config is known.
	handler = logging.NewStreamHandler(logBuffer, os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logger = slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("prerollcam starting",
		"config", *configPath,
		"cameras", len(cfg.Cameras),
		"chunk", cfg.ChunkDuration,
		"buffer", cfg.BufferSeconds,
		"clip", cfg.FinalClipDuration)

	orch, err := orchestrator.New(cfg, os.Stdin, logBuffer, logger)
	if err != nil {
		if errors.Is(err, faults.ErrConfigInvalid) {
			logger.Error("configuration invalid", "error", err)
			os.Exit(orchestrator.ExitConfigError)
		}
		logger.Error("startup failed", "error", err)
		os.Exit(orchestrator.ExitConfigError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := orch.Run(ctx)
	if code != orchestrator.ExitOK {
		fmt.Fprintf(os.Stderr, "prerollcam exited with code %d\n", code)
	}
	os.Exit(code)
}

func defaultConfigPath() string {
	if p := os.Getenv("PREROLLCAM_CONFIG"); p != "" {
		return p
	}
	return "prerollcam.conf"
}
