package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/ess"
	"github.com/alexandertiopan1212/netzero-ems/pkg/flow"
	"github.com/alexandertiopan1212/netzero-ems/pkg/log"
	"github.com/alexandertiopan1212/netzero-ems/pkg/metrics"
	"github.com/alexandertiopan1212/netzero-ems/pkg/publish"
	"github.com/alexandertiopan1212/netzero-ems/pkg/storage"
	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
)

// Result summarizes one poll cycle.
type Result struct {
	CycleID  string `json:"cycleID"`
	Devices  int    `json:"devices"`
	Readings int    `json:"readings"`
}

// Poller periodically copies the latest inverter data into storage.
type Poller struct {
	source    ess.Source
	db        storage.Database
	publisher publish.Publisher
	metrics   *metrics.Metrics

	interval time.Duration
	onStart  bool

	// one cycle at a time, whether from Run or a manual trigger
	jobMu sync.Mutex
}

// New creates a Poller. publisher and m may be nil.
func New(source ess.Source, db storage.Database, publisher publish.Publisher, m *metrics.Metrics, interval time.Duration) *Poller {
	return &Poller{
		source:    source,
		db:        db,
		publisher: publisher,
		metrics:   m,
		interval:  interval,
		onStart:   true,
	}
}

// Configured sets up the Poller based on flags.
func Configured(source ess.Source, db storage.Database, publisher publish.Publisher, m *metrics.Metrics) *Poller {
	interval := lflag.Duration("poll-interval", time.Minute, "How often to fetch the latest inverter data")
	onStart := lflag.Bool("poll-on-start", true, "Run a poll immediately on startup")

	p := New(source, db, publisher, m, time.Minute)

	lflag.Do(func() {
		if *interval <= 0 {
			panic("poll-interval must be positive")
		}
		p.interval = *interval
		p.onStart = *onStart
	})

	return p
}

// Job runs one poll cycle: fetch, store device meta, store readings, publish
// snapshots. Devices fetched successfully are stored even when others fail;
// all errors are joined into the returned error. Publishing failures are
// logged but do not fail the cycle.
func (p *Poller) Job(ctx context.Context) (Result, error) {
	p.jobMu.Lock()
	defer p.jobMu.Unlock()

	res := Result{CycleID: uuid.NewString()}
	ctx = log.WithAttrs(ctx, slog.String("cycleID", res.CycleID))
	start := time.Now()

	err := p.job(ctx, &res)
	p.metrics.Poll(time.Since(start), err)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "poll failed", slog.Any("error", err), slog.Int("readings", res.Readings))
		return res, err
	}
	log.Ctx(ctx).InfoContext(ctx, "fetched and saved records",
		slog.Int("devices", res.Devices),
		slog.Int("readings", res.Readings),
		slog.Duration("took", time.Since(start)),
	)
	return res, nil
}

func (p *Poller) job(ctx context.Context, res *Result) error {
	devices, fetchErr := p.source.Latest(ctx, p.source.Devices())
	if fetchErr != nil {
		fetchErr = fmt.Errorf("fetch: %w", fetchErr)
		if len(devices) == 0 {
			return fetchErr
		}
		log.Ctx(ctx).WarnContext(ctx, "partial fetch", slog.Any("error", fetchErr), slog.Int("devices", len(devices)))
	}
	res.Devices = len(devices)

	errs := []error{fetchErr}
	for _, d := range devices {
		if err := p.db.UpsertDeviceMeta(ctx, d.Meta()); err != nil {
			errs = append(errs, fmt.Errorf("store meta %s: %w", d.SN, err))
		}
	}

	readings := Flatten(devices)
	if err := p.db.InsertReadings(ctx, readings); err != nil {
		errs = append(errs, fmt.Errorf("store readings: %w", err))
		return errors.Join(errs...)
	}
	res.Readings = len(readings)
	p.metrics.ReadingsStored(len(readings))

	for _, d := range devices {
		p.metrics.LastCollection(d.SN, d.CollectionTime)
	}
	p.publish(ctx, devices, readings)
	return errors.Join(errs...)
}

// publish sends one snapshot per device in a single call.
func (p *Poller) publish(ctx context.Context, devices []types.DeviceData, readings []types.Reading) {
	if p.publisher == nil || len(devices) == 0 {
		return
	}
	snaps := make([]types.Snapshot, 0, len(devices))
	for _, d := range devices {
		m := MetricsOf(d.SN, readings)
		snaps = append(snaps, types.Snapshot{
			DeviceSN:  d.SN,
			Timestamp: d.CollectionTime.UTC(),
			Metrics:   m,
			FlowsKW:   flow.Decompose(flow.InputsFromMetrics(m)).Labels(),
		})
	}
	if err := p.publisher.Publish(ctx, snaps...); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish snapshots", slog.Int("devices", len(snaps)), slog.Any("error", err))
	}
}

// safeJob runs Job and turns a panic into an error so the loop keeps going.
func (p *Poller) safeJob(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll panicked: %v", r)
			log.Ctx(ctx).ErrorContext(ctx, "poll panicked", slog.Any("panic", r))
		}
	}()
	_, err = p.Job(ctx)
	return err
}

// Run polls every interval until ctx is cancelled. A failed cycle is logged
// and the next one runs on schedule.
func (p *Poller) Run(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(ctx, "poller started", slog.Duration("interval", p.interval))

	if p.onStart {
		p.safeJob(ctx)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "poller stopped")
			return nil
		case <-ticker.C:
			p.safeJob(ctx)
		}
	}
}
