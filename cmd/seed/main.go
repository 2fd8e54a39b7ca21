package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/ess"
	"github.com/alexandertiopan1212/netzero-ems/pkg/ingest"
	"github.com/alexandertiopan1212/netzero-ems/pkg/log"
	"github.com/alexandertiopan1212/netzero-ems/pkg/storage"
	"github.com/levenlabs/go-lflag"
)

// seed backfills storage with simulated inverter history so the dashboard has
// trends and a weekly balance to show during development.
func main() {
	days := 7
	lflag.JSON(&days, "seed-days", days, "Days of history to generate, ending now")
	interval := lflag.Duration("seed-interval", 5*time.Minute, "Time between generated collections")
	devices := lflag.String("seed-devices", "SIM0000001", "Comma-separated serial numbers to generate")
	location := lflag.String("seed-location", "Asia/Jakarta", "Time zone the simulated sun follows")
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	loc, err := time.LoadLocation(*location)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid seed-location", slog.Any("error", err))
		s.Close()
		os.Exit(1)
	}
	var sns []string
	for _, sn := range strings.Split(*devices, ",") {
		if sn = strings.TrimSpace(sn); sn != "" {
			sns = append(sns, sn)
		}
	}

	total, err := seed(ctx, s, ess.NewSimulator(sns, loc), sns, days, *interval, time.Now())
	s.Close()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed", slog.Any("error", err))
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data", slog.Int("readings", total))
}

// seed replays sim from days before now up to now, one collection every
// interval, and stores every reading in db.
func seed(ctx context.Context, db storage.Database, sim *ess.Simulator, sns []string, days int, interval time.Duration, now time.Time) (int, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %s", interval)
	}
	now = now.Truncate(interval)
	at := now.AddDate(0, 0, -days)
	sim.SetClock(func() time.Time { return at })

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data", slog.Time("from", at), slog.Int("devices", len(sns)))

	var total int
	for ; !at.After(now); at = at.Add(interval) {
		data, err := sim.Latest(ctx, sns)
		if err != nil {
			return total, fmt.Errorf("failed to simulate: %w", err)
		}
		for _, d := range data {
			if err := db.UpsertDeviceMeta(ctx, d.Meta()); err != nil {
				return total, fmt.Errorf("failed to store device %s: %w", d.SN, err)
			}
		}
		readings := ingest.Flatten(data)
		if err := db.InsertReadings(ctx, readings); err != nil {
			return total, fmt.Errorf("failed to store readings: %w", err)
		}
		total += len(readings)
	}
	return total, nil
}
