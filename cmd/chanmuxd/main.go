// Command chanmuxd runs the channel-multiplexing core behind a hand-rolled
// WebSocket framer: it accepts raw TCP connections, performs the RFC 6455
// opening handshake, and fans each connection's traffic through a single
// demo channel built on internal/redchannel, internal/redclient, and
// internal/wsframe.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"chanmux/internal/config"
	"chanmux/internal/logging"

	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides CHANMUX_LOG_LEVEL)")
	flag.Parse()

	bootstrapLogger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatPretty, Service: "chanmuxd"})

	maxProcs := runtime.GOMAXPROCS(0)
	bootstrapLogger.Info().Int("gomaxprocs", maxProcs).Msg("chanmuxd starting")

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logging.Init(logging.Config{
		Level:   logging.Level(cfg.LogLevel),
		Format:  logging.Format(cfg.LogFormat),
		Service: "chanmuxd",
	})
	logger := logging.New(logging.Config{Level: logging.Level(cfg.LogLevel), Format: logging.Format(cfg.LogFormat), Service: "chanmuxd"})
	cfg.Log(logger)

	srv, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct server")
	}
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down chanmuxd")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}
