package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kfcemployee/fileserver/server"
	"github.com/rs/zerolog"
)

func main() {
	var (
		addr     = flag.String("addr", server.DefaultAddr, "listen address (ipv4 host:port)")
		root     = flag.String("root", ".", "document root")
		workers  = flag.Int("workers", 0, "worker count (0 = number of CPUs)")
		queue    = flag.Int("queue", server.DefaultQueueDepth, "maximum pending connections in the task queue")
		maxConns = flag.Int("max-conns", server.DefaultMaxConns, "session table size")
		level    = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		pretty   = flag.Bool("pretty", false, "human readable console logs")
		telem    = flag.Bool("otel", false, "export metrics, traces and logs over OTLP/gRPC (OTEL_* env vars apply)")
	)
	flag.Parse()

	logger := newLogger(*level, *pretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *telem {
		shutdown, err := setupTelemetry(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("telemetry setup")
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Error().Err(err).Msg("telemetry shutdown")
			}
		}()
		logger = logger.Hook(newOtelHook())
	}

	srv, err := server.New(server.Config{
		Addr:       *addr,
		Root:       *root,
		Workers:    *workers,
		QueueDepth: *queue,
		MaxConns:   *maxConns,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init")
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("serve")
		return
	}
}

func newLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
