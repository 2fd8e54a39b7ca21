package ess

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/levenlabs/go-lflag"
)

const (
	simCapacityKWH      = 10.0
	simMaxChargeKW      = 5.0
	simMaxDischargeKW   = 5.0
	simMinSOC           = 10.0
	simInitialSOC       = 50.0
	simStep             = 5 * time.Minute
	simDefaultLocation  = "Asia/Jakarta"
	simDeviceTypeString = "INVERTER"
)

type simDevice struct {
	timestamp time.Time
	soc       float64

	batteryKW, solarKW, homeKW, gridKW float64

	dailySolarKWH, dailyHomeKWH, dailyBuyKWH, dailySellKWH float64
	totalSolarKWH, totalHomeKWH                            float64
}

// Simulator is a Source producing a synthetic inverter for every serial: a
// solar bell curve peaking early afternoon, a home load on a sine wave and a
// battery that absorbs the surplus or covers the deficit.
type Simulator struct {
	mu       sync.Mutex
	devices  []string
	location *time.Location
	now      func() time.Time
	state    map[string]*simDevice
}

// NewSimulator creates a simulator for the given serials in loc.
func NewSimulator(devices []string, loc *time.Location) *Simulator {
	if loc == nil {
		loc = time.UTC
	}
	return &Simulator{
		devices:  devices,
		location: loc,
		now:      time.Now,
		state:    make(map[string]*simDevice),
	}
}

func configuredSimulator() *Simulator {
	devices := lflag.String("mock-devices", "SIM0000001", "Comma-separated serial numbers served by the mock provider")
	location := lflag.String("mock-location", simDefaultLocation, "Time zone the mock provider simulates the sun in")

	s := NewSimulator(nil, nil)

	lflag.Do(func() {
		loc, err := time.LoadLocation(*location)
		if err != nil {
			panic(fmt.Sprintf("invalid mock location: %v", err))
		}
		s.location = loc
		s.devices = splitDevices(*devices)
	})

	return s
}

// SetClock replaces the time source. It is used to replay past days.
func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Devices returns the simulated serial numbers.
func (s *Simulator) Devices() []string {
	return append([]string(nil), s.devices...)
}

func getMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func simulatedSolarKW(hour float64) float64 {
	if hour < 6 || hour > 19 {
		return 0
	}
	return 3.0 * math.Sin((hour-6)/13*math.Pi)
}

func simulatedHomeKW(hour float64) float64 {
	return max(1.5+0.5*math.Sin(hour*math.Pi), 1.0)
}

// advance integrates the device state from its last timestamp up to now.
// Daily counters are reset when a local midnight is crossed.
func (s *Simulator) advance(dev *simDevice, now time.Time) {
	now = now.In(s.location)
	if midnight := getMidnight(now); midnight.After(dev.timestamp) {
		s.step(dev, midnight)
		dev.dailySolarKWH, dev.dailyHomeKWH, dev.dailyBuyKWH, dev.dailySellKWH = 0, 0, 0, 0
	}
	s.step(dev, now)
}

// step integrates in increments of at most five minutes.
func (s *Simulator) step(dev *simDevice, until time.Time) {
	stepStart := dev.timestamp.In(s.location)
	for stepStart.Before(until) {
		stepEnd := stepStart.Add(simStep)
		if stepEnd.After(until) {
			stepEnd = until
		}
		hours := stepEnd.Sub(stepStart).Hours()

		mid := stepStart.Add(stepEnd.Sub(stepStart) / 2)
		hour := float64(mid.Hour()) + float64(mid.Minute())/60.0

		solarKW := simulatedSolarKW(hour)
		homeKW := simulatedHomeKW(hour)
		net := solarKW - homeKW

		var batteryKW float64
		if net > 0 {
			spaceKWH := (100.0 - dev.soc) / 100.0 * simCapacityKWH
			batteryKW = -min(net, simMaxChargeKW, spaceKWH/hours)
		} else {
			usableKWH := max(dev.soc-simMinSOC, 0) / 100.0 * simCapacityKWH
			batteryKW = min(-net, simMaxDischargeKW, usableKWH/hours)
		}
		gridKW := homeKW - solarKW - batteryKW

		dev.soc = min(max(dev.soc+(-batteryKW*hours)/simCapacityKWH*100.0, 0), 100)

		dev.dailySolarKWH += solarKW * hours
		dev.dailyHomeKWH += homeKW * hours
		dev.totalSolarKWH += solarKW * hours
		dev.totalHomeKWH += homeKW * hours
		if gridKW > 0 {
			dev.dailyBuyKWH += gridKW * hours
		} else {
			dev.dailySellKWH += -gridKW * hours
		}

		dev.batteryKW, dev.solarKW, dev.homeKW, dev.gridKW = batteryKW, solarKW, homeKW, gridKW
		stepStart = stepEnd
	}
	if until.After(dev.timestamp) {
		dev.timestamp = until
	}
}

func formatSim(v float64, precision int) string {
	return strconv.FormatFloat(v, 'f', precision, 64)
}

func (dev *simDevice) dataList() []types.DataPoint {
	return []types.DataPoint{
		{Key: types.MetricTotalSolarPower, Value: formatSim(dev.solarKW*1000, 0), Unit: "W"},
		{Key: types.MetricTotalConsumptionPower, Value: formatSim(dev.homeKW*1000, 0), Unit: "W"},
		{Key: types.MetricTotalGridPower, Value: formatSim(dev.gridKW*1000, 0), Unit: "W"},
		{Key: types.MetricBatteryPower, Value: formatSim(dev.batteryKW*1000, 0), Unit: "W"},
		{Key: types.MetricSOC, Value: formatSim(dev.soc, 0), Unit: "%"},
		{Key: types.MetricDailyActiveProduction, Value: formatSim(dev.dailySolarKWH, 2), Unit: "kWh"},
		{Key: types.MetricTotalActiveProduction, Value: formatSim(dev.totalSolarKWH, 2), Unit: "kWh"},
		{Key: types.MetricDailyConsumption, Value: formatSim(dev.dailyHomeKWH, 2), Unit: "kWh"},
		{Key: types.MetricTotalConsumption, Value: formatSim(dev.totalHomeKWH, 2), Unit: "kWh"},
		{Key: types.MetricDailyEnergyBuy, Value: formatSim(dev.dailyBuyKWH, 2), Unit: "kWh"},
		{Key: types.MetricDailyEnergySell, Value: formatSim(dev.dailySellKWH, 2), Unit: "kWh"},
		{Key: "GridFrequency", Value: "50.00", Unit: "Hz"},
	}
}

// Latest advances every requested device to the current time and returns its
// readings. Unknown serials start at midnight with a half full battery.
func (s *Simulator) Latest(ctx context.Context, deviceSNs []string) ([]types.DeviceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]types.DeviceData, 0, len(deviceSNs))
	for _, sn := range deviceSNs {
		dev, ok := s.state[sn]
		if !ok {
			dev = &simDevice{
				timestamp: getMidnight(now.In(s.location)),
				soc:       simInitialSOC,
			}
			s.state[sn] = dev
		}
		s.advance(dev, now)

		out = append(out, types.DeviceData{
			SN:             sn,
			Type:           simDeviceTypeString,
			State:          1,
			CollectionTime: now.UTC().Truncate(time.Second),
			DataList:       dev.dataList(),
		})
	}
	return out, nil
}
