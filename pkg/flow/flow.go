// Package flow splits four instantaneous power readings (PV, load, grid,
// battery) into the directional flows between those nodes.
package flow

import (
	"fmt"

	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
)

// Node is one end of an energy flow.
type Node string

const (
	NodePV      Node = "pv"
	NodeBattery Node = "battery"
	NodeGrid    Node = "grid"
	NodeLoad    Node = "load"
)

// Name identifies one of the fixed directional flows.
type Name int

const (
	PVToLoad Name = iota
	PVToBattery
	PVToGrid
	GridToLoad
	GridToBattery
	BatteryToLoad
	BatteryToGrid
	// LoadToGrid is part of the published schema but Decompose never assigns
	// it, so it never shows up in a Result.
	LoadToGrid

	numNames
)

var names = [numNames]struct {
	label  string
	source Node
	target Node
}{
	PVToLoad:      {"PV to Load", NodePV, NodeLoad},
	PVToBattery:   {"PV to Battery", NodePV, NodeBattery},
	PVToGrid:      {"PV to Grid", NodePV, NodeGrid},
	GridToLoad:    {"Grid to Load", NodeGrid, NodeLoad},
	GridToBattery: {"Grid to Battery", NodeGrid, NodeBattery},
	BatteryToLoad: {"Battery to Load", NodeBattery, NodeLoad},
	BatteryToGrid: {"Battery to Grid", NodeBattery, NodeGrid},
	LoadToGrid:    {"Load to Grid", NodeLoad, NodeGrid},
}

// Names returns every flow in declaration order.
func Names() []Name {
	all := make([]Name, numNames)
	for i := range all {
		all[i] = Name(i)
	}
	return all
}

func (n Name) valid() bool {
	return n >= 0 && n < numNames
}

// String returns the display label, e.g. "PV to Load".
func (n Name) String() string {
	if !n.valid() {
		return fmt.Sprintf("flow.Name(%d)", int(n))
	}
	return names[n].label
}

// Source is the node energy leaves.
func (n Name) Source() Node {
	if !n.valid() {
		return ""
	}
	return names[n].source
}

// Target is the node energy enters.
func (n Name) Target() Node {
	if !n.valid() {
		return ""
	}
	return names[n].target
}

// MarshalText lets a Name be used as a JSON object key.
func (n Name) MarshalText() ([]byte, error) {
	if !n.valid() {
		return nil, fmt.Errorf("invalid flow name: %d", int(n))
	}
	return []byte(names[n].label), nil
}

// UnmarshalText parses a display label.
func (n *Name) UnmarshalText(b []byte) error {
	parsed, err := ParseName(string(b))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// ParseName returns the Name for a display label.
func ParseName(label string) (Name, error) {
	for i, info := range names {
		if info.label == label {
			return Name(i), nil
		}
	}
	return 0, fmt.Errorf("unknown flow name: %q", label)
}

// Inputs are the instantaneous readings, in watts.
type Inputs struct {
	PVPower   float64 // generation, >= 0
	LoadPower float64 // consumption, >= 0
	// GridPower is positive when importing and negative when exporting. It is
	// carried for display only and does not take part in the decomposition.
	GridPower float64
	// BatteryPower is positive when discharging and negative when charging.
	BatteryPower float64
}

// InputsFromMetrics reads the four power metrics. Missing keys are 0.
func InputsFromMetrics(m types.Metrics) Inputs {
	return Inputs{
		PVPower:      max(m.Value(types.MetricTotalSolarPower), 0),
		LoadPower:    max(m.Value(types.MetricTotalConsumptionPower), 0),
		GridPower:    m.Value(types.MetricTotalGridPower),
		BatteryPower: m.Value(types.MetricBatteryPower),
	}
}

// Result holds the active flows in kW. Only strictly positive flows are
// present; a missing Name means no flow.
type Result map[Name]float64

// Labels returns the result keyed by display label.
func (r Result) Labels() map[string]float64 {
	out := make(map[string]float64, len(r))
	for n, kw := range r {
		out[n.String()] = kw
	}
	return out
}

// Decompose splits the readings into directional flows with a fixed priority:
// PV feeds the load, then a charging battery, then the grid; the battery
// feeds the remaining load before the grid does; whatever battery power is
// left over is either drawn from the grid (charging) or exported
// (discharging). It is a single greedy pass and is safe for concurrent use.
func Decompose(in Inputs) Result {
	var w [numNames]float64

	pv := max(in.PVPower, 0)
	load := max(in.LoadPower, 0)
	battery := in.BatteryPower

	if pv > 0 {
		w[PVToLoad] = min(pv, load)
		pv -= w[PVToLoad]
		load -= w[PVToLoad]

		if battery < 0 && pv > 0 {
			w[PVToBattery] = min(pv, -battery)
			pv -= w[PVToBattery]
			battery += w[PVToBattery]
		}

		if pv > 0 {
			w[PVToGrid] = pv
		}
	}

	if load > 0 {
		if battery > 0 {
			w[BatteryToLoad] = min(battery, load)
			load -= w[BatteryToLoad]
			battery -= w[BatteryToLoad]
		}

		if load > 0 {
			w[GridToLoad] = load
		}
	}

	if battery < 0 {
		w[GridToBattery] = -battery
	}

	if battery > 0 {
		w[BatteryToGrid] = battery
	}

	res := make(Result)
	for i, watts := range w {
		if kw := watts / 1000; kw > 0 {
			res[Name(i)] = kw
		}
	}
	return res
}
