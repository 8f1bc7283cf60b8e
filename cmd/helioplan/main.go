package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/helioplan/helioplan/pkg/forecast"
	"github.com/helioplan/helioplan/pkg/inverter"
	"github.com/helioplan/helioplan/pkg/log"
	"github.com/helioplan/helioplan/pkg/plan"
	"github.com/helioplan/helioplan/pkg/publish"
	"github.com/helioplan/helioplan/pkg/server"
	"github.com/helioplan/helioplan/pkg/storage"
	"github.com/helioplan/helioplan/pkg/tariff"
)

func main() {
	// flags can come from a local .env too
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	// init packages
	solar := forecast.ConfiguredClearSky()
	load := forecast.ConfiguredFlatLoad()
	rates := tariff.ConfiguredAgile()
	inv := inverter.ConfiguredModbus()
	db := storage.Configured()
	mq := publish.ConfiguredMQTT()

	// init planner + server
	planner := plan.Configured(solar, load, rates, inv, db)
	srv := server.Configured(planner, db)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	if err := rates.Validate(); err != nil {
		slog.Error("tariff configuration invalid", slog.Any("error", err))
		os.Exit(1)
	}
	if err := inv.Validate(); err != nil {
		slog.Error("inverter configuration invalid", slog.Any("error", err))
		os.Exit(1)
	}

	if mq.Enabled() {
		planner.AddPublisher(mq)
		defer mq.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// the planner loops in the background, the HTTP server blocks
	errChan := make(chan error, 1)
	go func() {
		planner.Run(ctx)
	}()
	go func() {
		errChan <- srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		<-errChan
	case err := <-errChan:
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
			cancel()
			os.Exit(1)
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
