package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/log"
	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/levenlabs/go-lflag"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const insertBatchSize = 500

type deviceMetaRow struct {
	DeviceSN   string    `gorm:"column:device_sn;primaryKey"`
	DeviceType string    `gorm:"column:device_type"`
	LastState  int       `gorm:"column:last_state"`
	LastUpdate time.Time `gorm:"column:last_update"`
}

func (deviceMetaRow) TableName() string { return "device_meta" }

type deviceDataRow struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceSN  string    `gorm:"column:device_sn;index:idx_device_ts,priority:1"`
	Timestamp time.Time `gorm:"column:timestamp;index:idx_device_ts,priority:2"`
	Key       string    `gorm:"column:key"`
	Value     float64   `gorm:"column:value"`
	Unit      string    `gorm:"column:unit"`
}

func (deviceDataRow) TableName() string { return "device_data" }

// SQLiteProvider implements Database on a local SQLite file through gorm.
type SQLiteProvider struct {
	db   *gorm.DB
	path string
}

func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "satu_energy.db", "Path of the SQLite database file")

	s := &SQLiteProvider{}

	lflag.Do(func() {
		s.path = *path
	})

	return s
}

// Init opens the database and migrates the schema.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open sqlite database (path=%s): %w", s.path, err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&deviceMetaRow{}, &deviceDataRow{}); err != nil {
		return fmt.Errorf("failed to migrate sqlite database: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "sqlite database ready", slog.String("path", s.path))
	s.db = db
	return nil
}

// Close closes the underlying connection pool.
func (s *SQLiteProvider) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertDeviceMeta inserts the device or replaces its type, state and last
// update.
func (s *SQLiteProvider) UpsertDeviceMeta(ctx context.Context, meta types.DeviceMeta) error {
	if meta.SN == "" {
		return errors.New("device serial cannot be empty")
	}
	row := deviceMetaRow{
		DeviceSN:   meta.SN,
		DeviceType: meta.Type,
		LastState:  meta.State,
		LastUpdate: meta.LastUpdate.UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_sn"}},
		DoUpdates: clause.AssignmentColumns([]string{"device_type", "last_state", "last_update"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert device meta: %w", err)
	}
	return nil
}

// ListDevices returns every known device ordered by serial.
func (s *SQLiteProvider) ListDevices(ctx context.Context) ([]types.DeviceMeta, error) {
	var rows []deviceMetaRow
	if err := s.db.WithContext(ctx).Order("device_sn").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	devices := make([]types.DeviceMeta, 0, len(rows))
	for _, r := range rows {
		devices = append(devices, types.DeviceMeta{
			SN:         r.DeviceSN,
			Type:       r.DeviceType,
			State:      r.LastState,
			LastUpdate: r.LastUpdate.UTC(),
		})
	}
	return devices, nil
}

// InsertReadings appends the readings in batches inside one transaction.
func (s *SQLiteProvider) InsertReadings(ctx context.Context, readings []types.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	rows := make([]deviceDataRow, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, deviceDataRow{
			DeviceSN:  r.DeviceSN,
			Timestamp: r.Timestamp.UTC(),
			Key:       r.Key,
			Value:     r.Value,
			Unit:      r.Unit,
		})
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return fmt.Errorf("failed to insert readings: %w", err)
	}
	return nil
}

// GetLatestReadings returns the metrics stored at the device's newest
// timestamp.
func (s *SQLiteProvider) GetLatestReadings(ctx context.Context, deviceSN string) (time.Time, types.Metrics, error) {
	db := s.db.WithContext(ctx)
	newest := db.Model(&deviceDataRow{}).Select("MAX(timestamp)").Where("device_sn = ?", deviceSN)

	var rows []deviceDataRow
	err := db.
		Where("device_sn = ? AND timestamp = (?)", deviceSN, newest).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("failed to get latest readings: %w", err)
	}
	if len(rows) == 0 {
		return time.Time{}, nil, ErrDeviceNotFound
	}

	m := make(types.Metrics, len(rows))
	for _, r := range rows {
		m[r.Key] = types.MetricValue{Value: r.Value, Unit: r.Unit}
	}
	return rows[0].Timestamp.UTC(), m, nil
}

// GetHistory returns the points for key at or after since, oldest first.
func (s *SQLiteProvider) GetHistory(ctx context.Context, deviceSN, key string, since time.Time) ([]types.Point, error) {
	var rows []deviceDataRow
	err := s.db.WithContext(ctx).
		Where("device_sn = ? AND key = ? AND timestamp >= ?", deviceSN, key, since.UTC()).
		Order("timestamp ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	return rowsToPoints(rows), nil
}

// GetRecentReadings returns the newest limit points for key.
func (s *SQLiteProvider) GetRecentReadings(ctx context.Context, deviceSN, key string, limit int) ([]types.Point, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []deviceDataRow
	err := s.db.WithContext(ctx).
		Where("device_sn = ? AND key = ?", deviceSN, key).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get recent readings: %w", err)
	}
	return rowsToPoints(rows), nil
}

func rowsToPoints(rows []deviceDataRow) []types.Point {
	points := make([]types.Point, 0, len(rows))
	for _, r := range rows {
		points = append(points, types.Point{Timestamp: r.Timestamp.UTC(), Value: r.Value})
	}
	return points
}
