// Package ingest polls the inverter cloud and stores what it returns.
package ingest

import (
	"strconv"
	"strings"

	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
)

// Flatten turns device collections into one Reading per dataList entry.
// Entries without a key are stored under types.MetricUnknown and values that
// do not parse as numbers are stored as 0.
func Flatten(devices []types.DeviceData) []types.Reading {
	var readings []types.Reading
	for _, d := range devices {
		ts := d.CollectionTime.UTC()
		for _, p := range d.DataList {
			key := p.Key
			if key == "" {
				key = types.MetricUnknown
			}
			value, err := strconv.ParseFloat(strings.TrimSpace(p.Value), 64)
			if err != nil {
				value = 0
			}
			readings = append(readings, types.Reading{
				DeviceSN:  d.SN,
				Timestamp: ts,
				Key:       key,
				Value:     value,
				Unit:      p.Unit,
			})
		}
	}
	return readings
}

// MetricsOf collects the readings of one device into Metrics. A later
// reading for the same key replaces an earlier one.
func MetricsOf(deviceSN string, readings []types.Reading) types.Metrics {
	m := make(types.Metrics)
	for _, r := range readings {
		if r.DeviceSN != deviceSN {
			continue
		}
		m[r.Key] = types.MetricValue{Value: r.Value, Unit: r.Unit}
	}
	return m
}
