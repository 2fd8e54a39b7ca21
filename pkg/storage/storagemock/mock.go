package storagemock

import (
	"context"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/storage"
	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) UpsertDeviceMeta(ctx context.Context, meta types.DeviceMeta) error {
	args := m.Called(ctx, meta)
	return args.Error(0)
}

func (m *MockDatabase) ListDevices(ctx context.Context) ([]types.DeviceMeta, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.DeviceMeta), args.Error(1)
}

func (m *MockDatabase) InsertReadings(ctx context.Context, readings []types.Reading) error {
	args := m.Called(ctx, readings)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestReadings(ctx context.Context, deviceSN string) (time.Time, types.Metrics, error) {
	args := m.Called(ctx, deviceSN)
	var metrics types.Metrics
	if v := args.Get(1); v != nil {
		metrics = v.(types.Metrics)
	}
	return args.Get(0).(time.Time), metrics, args.Error(2)
}

func (m *MockDatabase) GetHistory(ctx context.Context, deviceSN, key string, since time.Time) ([]types.Point, error) {
	args := m.Called(ctx, deviceSN, key, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Point), args.Error(1)
}

func (m *MockDatabase) GetRecentReadings(ctx context.Context, deviceSN, key string, limit int) ([]types.Point, error) {
	args := m.Called(ctx, deviceSN, key, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Point), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
