package insights

import (
	"fmt"

	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
)

// Measure is a reading shown in a details table. Value is nil when the device
// did not report it.
type Measure struct {
	Value *float64 `json:"value"`
	Unit  string   `json:"unit,omitempty"`
}

func measure(m types.Metrics, key string) Measure {
	v, ok := m[key]
	if !ok {
		return Measure{}
	}
	return Measure{Value: &v.Value, Unit: v.Unit}
}

// PVString is one PV input of the inverter.
type PVString struct {
	Index int `json:"index"`
	// PowerKey is the metric key of the string's power history.
	PowerKey string  `json:"powerKey"`
	Voltage  Measure `json:"voltage"`
	Current  Measure `json:"current"`
	Power    Measure `json:"power"`
}

// GridPhase is one phase of the grid connection.
type GridPhase struct {
	Phase   string  `json:"phase"`
	Voltage Measure `json:"voltage"`
	Current Measure `json:"current"`
	Power   Measure `json:"power"`
}

// Details is the per-string and per-phase breakdown of a device.
type Details struct {
	PV   []PVString  `json:"pv"`
	Grid []GridPhase `json:"grid"`
	SOC  float64     `json:"soc"`
}

// PVStrings is the number of PV inputs reported.
const PVStrings = 4

// GridPhases are the reported grid phases.
var GridPhases = []string{"L1", "L2", "L3"}

// Breakdown extracts PV1..PV4 and grid L1..L3 readings.
func Breakdown(m types.Metrics) Details {
	d := Details{SOC: m.Value(types.MetricSOC)}
	for i := 1; i <= PVStrings; i++ {
		d.PV = append(d.PV, PVString{
			Index:    i,
			PowerKey: fmt.Sprintf("%s%d", types.MetricDCPowerPV, i),
			Voltage:  measure(m, fmt.Sprintf("%s%d", types.MetricDCVoltagePV, i)),
			Current:  measure(m, fmt.Sprintf("%s%d", types.MetricDCCurrentPV, i)),
			Power:    measure(m, fmt.Sprintf("%s%d", types.MetricDCPowerPV, i)),
		})
	}
	for _, ph := range GridPhases {
		d.Grid = append(d.Grid, GridPhase{
			Phase:   ph,
			Voltage: measure(m, types.MetricGridVoltage+ph),
			Current: measure(m, types.MetricGridCurrent+ph),
			Power:   measure(m, types.MetricGridPowerPhs+ph),
		})
	}
	return d
}
