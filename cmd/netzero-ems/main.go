package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/alexandertiopan1212/netzero-ems/pkg/ess"
	"github.com/alexandertiopan1212/netzero-ems/pkg/ingest"
	"github.com/alexandertiopan1212/netzero-ems/pkg/insights"
	"github.com/alexandertiopan1212/netzero-ems/pkg/log"
	"github.com/alexandertiopan1212/netzero-ems/pkg/metrics"
	"github.com/alexandertiopan1212/netzero-ems/pkg/publish"
	"github.com/alexandertiopan1212/netzero-ems/pkg/server"
	"github.com/alexandertiopan1212/netzero-ems/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	m := metrics.New()

	// init packages
	e := ess.Configured(m)
	s := storage.Configured()
	p := publish.Configured(m)
	i := insights.Configured()
	poller := ingest.Configured(e, s, p, m)

	// init server
	srv := server.Configured(s, poller, i, m)

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
	log.SetDefaultLogLevel(level)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := poller.Run(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "poller failed", slog.Any("error", err))
		}
	}()

	// Run will block until context is canceled or error happens
	err := srv.Run(ctx)
	cancel()
	wg.Wait()

	// closed before any exit so buffered publishes and the database are flushed
	closeAll(ctx, namedCloser{"publishers", p}, namedCloser{"storage", s})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

type namedCloser struct {
	name string
	c    interface{ Close() error }
}

// closeAll closes every closer, even after a failure, and returns the joined
// errors.
func closeAll(ctx context.Context, closers ...namedCloser) error {
	var errs []error
	for _, nc := range closers {
		if err := nc.c.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close "+nc.name, slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", nc.name, err))
		}
	}
	return errors.Join(errs...)
}
