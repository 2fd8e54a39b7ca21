package types

import (
	"fmt"
	"time"
)

// Metric keys reported by the Deye cloud that the dashboard reads directly.
const (
	MetricTotalSolarPower       = "TotalSolarPower"       // W, PV generation
	MetricTotalConsumptionPower = "TotalConsumptionPower" // W, load
	MetricTotalGridPower        = "TotalGridPower"        // W, + import, - export
	MetricBatteryPower          = "BatteryPower"          // W, + discharge, - charge
	MetricSOC                   = "SOC"                   // %

	MetricDailyActiveProduction = "DailyActiveProduction"
	MetricTotalActiveProduction = "TotalActiveProduction"
	MetricDailyConsumption      = "DailyConsumption"
	MetricTotalConsumption      = "TotalConsumption"
	MetricDailyEnergyBuy        = "DailyEnergyBuy"
	MetricDailyEnergySell       = "DailyEnergySell"

	// per-string and per-phase prefixes, suffixed with 1..4 or L1..L3
	MetricDCVoltagePV  = "DCVoltagePV"
	MetricDCCurrentPV  = "DCCurrentPV"
	MetricDCPowerPV    = "DCPowerPV"
	MetricGridVoltage  = "GridVoltage"
	MetricGridCurrent  = "GridCurrent"
	MetricGridPowerPhs = "GridPower"

	// MetricUnknown is stored when the cloud omits a key.
	MetricUnknown = "Unknown"
)

// DeviceMeta is the last known state of a device.
type DeviceMeta struct {
	SN         string    `json:"sn"`
	Type       string    `json:"type"`
	State      int       `json:"state"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// DataPoint is a single entry of a device's dataList as returned by the cloud.
// Value is kept as the raw text because the cloud sends numbers as strings.
type DataPoint struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Unit  string `json:"unit"`
}

// DeviceData is one device's latest collection from the cloud.
type DeviceData struct {
	SN             string      `json:"deviceSn"`
	Type           string      `json:"deviceType"`
	State          int         `json:"deviceState"`
	CollectionTime time.Time   `json:"collectionTime"`
	DataList       []DataPoint `json:"dataList"`
}

// Meta returns the DeviceMeta for this collection.
func (d DeviceData) Meta() DeviceMeta {
	return DeviceMeta{
		SN:         d.SN,
		Type:       d.Type,
		State:      d.State,
		LastUpdate: d.CollectionTime,
	}
}

// Reading is a single stored metric value. Readings are immutable once stored.
type Reading struct {
	DeviceSN  string    `json:"deviceSn"`
	Timestamp time.Time `json:"timestamp"`
	Key       string    `json:"key"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
}

// MetricValue is a metric's value and unit at one instant.
type MetricValue struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Metrics maps a metric key to its value at one instant.
type Metrics map[string]MetricValue

// Value returns the value for key or 0 if it is missing.
func (m Metrics) Value(key string) float64 {
	return m[key].Value
}

// Has returns true if key is present.
func (m Metrics) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Format renders the value and unit for display, "-" when missing.
func (m Metrics) Format(key string) string {
	v, ok := m[key]
	if !ok {
		return "-"
	}
	if v.Unit == "" {
		return fmt.Sprintf("%g", v.Value)
	}
	return fmt.Sprintf("%g %s", v.Value, v.Unit)
}

// Point is one sample of a time series.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Snapshot is a device's metrics at one instant plus the derived flows. It is
// what gets published to brokers after every poll.
type Snapshot struct {
	DeviceSN  string             `json:"deviceSn"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   Metrics            `json:"metrics"`
	FlowsKW   map[string]float64 `json:"flowsKW"`
}

var unitNames = map[string]string{
	"W":   "Watt",
	"V":   "Volt",
	"A":   "Ampere",
	"kWh": "kWh",
	"%":   "%",
	"Hz":  "Hertz",
	"VA":  "VA",
}

// UnitName returns the display name of a unit, or the unit itself when unknown.
func UnitName(unit string) string {
	if n, ok := unitNames[unit]; ok {
		return n
	}
	return unit
}
