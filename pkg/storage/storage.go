package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/levenlabs/go-lflag"
)

var (
	// ErrDeviceNotFound is returned when a device has no stored readings.
	ErrDeviceNotFound = errors.New("device not found")
)

// Database defines the interface for persisting inverter readings.
type Database interface {
	// Devices
	UpsertDeviceMeta(ctx context.Context, meta types.DeviceMeta) error
	ListDevices(ctx context.Context) ([]types.DeviceMeta, error)

	// Readings
	// InsertReadings appends readings. Readings are never updated; when the
	// same key is stored twice for one instant the last write wins on read.
	InsertReadings(ctx context.Context, readings []types.Reading) error
	// GetLatestReadings returns every metric at the newest timestamp stored
	// for the device.
	GetLatestReadings(ctx context.Context, deviceSN string) (time.Time, types.Metrics, error)
	// GetHistory returns the series for key since the given time, oldest first.
	GetHistory(ctx context.Context, deviceSN, key string, since time.Time) ([]types.Point, error)
	// GetRecentReadings returns at most limit points for key, newest first.
	GetRecentReadings(ctx context.Context, deviceSN, key string, limit int) ([]types.Point, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: sqlite, firestore)")

	var p struct{ Database }

	sq := configuredSQLite()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "sqlite":
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
			p.Database = sq
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
