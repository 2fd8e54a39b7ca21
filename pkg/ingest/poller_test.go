package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/metrics"
	"github.com/alexandertiopan1212/netzero-ems/pkg/storage/storagemock"
	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	devices []types.DeviceData
	err     error
	panics  bool
	calls   atomic.Int32
}

func (f *fakeSource) Devices() []string {
	var sns []string
	for _, d := range f.devices {
		sns = append(sns, d.SN)
	}
	return sns
}

func (f *fakeSource) Latest(ctx context.Context, deviceSNs []string) ([]types.DeviceData, error) {
	f.calls.Add(1)
	if f.panics {
		panic("boom")
	}
	return f.devices, f.err
}

type recordingPublisher struct {
	mu    sync.Mutex
	got   []types.Snapshot
	calls int
	err   error
}

func (r *recordingPublisher) Publish(ctx context.Context, snaps ...types.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.got = append(r.got, snaps...)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

var collected = time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC)

func testDevice(sn string) types.DeviceData {
	return types.DeviceData{
		SN:             sn,
		Type:           "INVERTER",
		State:          1,
		CollectionTime: collected,
		DataList: []types.DataPoint{
			{Key: types.MetricTotalSolarPower, Value: "5000", Unit: "W"},
			{Key: types.MetricTotalConsumptionPower, Value: "2000", Unit: "W"},
			{Key: types.MetricBatteryPower, Value: "-1000", Unit: "W"},
			{Key: types.MetricSOC, Value: "64", Unit: "%"},
		},
	}
}

func TestPollerJob(t *testing.T) {
	ctx := context.Background()

	t.Run("stores and publishes", func(t *testing.T) {
		src := &fakeSource{devices: []types.DeviceData{testDevice("A"), testDevice("B")}}
		db := &storagemock.MockDatabase{}
		pub := &recordingPublisher{}

		db.On("UpsertDeviceMeta", mock.Anything, types.DeviceMeta{SN: "A", Type: "INVERTER", State: 1, LastUpdate: collected}).Return(nil).Once()
		db.On("UpsertDeviceMeta", mock.Anything, types.DeviceMeta{SN: "B", Type: "INVERTER", State: 1, LastUpdate: collected}).Return(nil).Once()
		db.On("InsertReadings", mock.Anything, mock.MatchedBy(func(r []types.Reading) bool {
			return len(r) == 8
		})).Return(nil).Once()

		p := New(src, db, pub, metrics.New(), time.Minute)
		res, err := p.Job(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Devices)
		assert.Equal(t, 8, res.Readings)
		assert.Len(t, res.CycleID, 36)
		db.AssertExpectations(t)

		require.Len(t, pub.got, 2)
		assert.Equal(t, 1, pub.calls, "all devices go out in one publish")
		snap := pub.got[0]
		assert.Equal(t, "A", snap.DeviceSN)
		assert.Equal(t, collected, snap.Timestamp)
		assert.Equal(t, 64.0, snap.Metrics.Value(types.MetricSOC))
		assert.Equal(t, map[string]float64{"PV to Load": 2, "PV to Battery": 1, "PV to Grid": 2}, snap.FlowsKW)
	})

	t.Run("fetch failure stores nothing", func(t *testing.T) {
		src := &fakeSource{err: errors.New("status 502")}
		db := &storagemock.MockDatabase{}

		p := New(src, db, nil, nil, time.Minute)
		_, err := p.Job(ctx)
		assert.ErrorContains(t, err, "status 502")
		db.AssertNotCalled(t, "InsertReadings", mock.Anything, mock.Anything)
	})

	t.Run("partial fetch stores what arrived", func(t *testing.T) {
		src := &fakeSource{devices: []types.DeviceData{testDevice("A")}, err: errors.New("batch [B]: status 500")}
		db := &storagemock.MockDatabase{}
		db.On("UpsertDeviceMeta", mock.Anything, mock.Anything).Return(nil)
		db.On("InsertReadings", mock.Anything, mock.Anything).Return(nil)

		p := New(src, db, nil, nil, time.Minute)
		res, err := p.Job(ctx)
		assert.ErrorContains(t, err, "status 500")
		assert.Equal(t, 4, res.Readings)
		db.AssertExpectations(t)
	})

	t.Run("storage failure", func(t *testing.T) {
		src := &fakeSource{devices: []types.DeviceData{testDevice("A")}}
		db := &storagemock.MockDatabase{}
		pub := &recordingPublisher{}
		db.On("UpsertDeviceMeta", mock.Anything, mock.Anything).Return(errors.New("locked"))
		db.On("InsertReadings", mock.Anything, mock.Anything).Return(errors.New("disk full"))

		p := New(src, db, pub, nil, time.Minute)
		res, err := p.Job(ctx)
		assert.ErrorContains(t, err, "locked")
		assert.ErrorContains(t, err, "disk full")
		assert.Zero(t, res.Readings)
		assert.Empty(t, pub.got, "nothing published when readings were not stored")
	})

	t.Run("publish failure does not fail the cycle", func(t *testing.T) {
		src := &fakeSource{devices: []types.DeviceData{testDevice("A")}}
		db := &storagemock.MockDatabase{}
		db.On("UpsertDeviceMeta", mock.Anything, mock.Anything).Return(nil)
		db.On("InsertReadings", mock.Anything, mock.Anything).Return(nil)

		p := New(src, db, &recordingPublisher{err: errors.New("broker down")}, nil, time.Minute)
		_, err := p.Job(ctx)
		assert.NoError(t, err)
	})
}

func TestPollerRun(t *testing.T) {
	t.Run("keeps polling after failures and panics", func(t *testing.T) {
		src := &fakeSource{panics: true}
		p := New(src, &storagemock.MockDatabase{}, nil, nil, 10*time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error)
		go func() { done <- p.Run(ctx) }()

		require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
		cancel()
		assert.NoError(t, <-done)
	})

	t.Run("skips the startup poll when disabled", func(t *testing.T) {
		src := &fakeSource{err: errors.New("down")}
		p := New(src, &storagemock.MockDatabase{}, nil, nil, time.Hour)
		p.onStart = false

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.NoError(t, p.Run(ctx))
		assert.EqualValues(t, 0, src.calls.Load())
	})
}
