package flow

import (
	"fmt"

	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
)

// Colours used by the dashboard for each node and the flows leaving it.
const (
	ColorPV      = "#00cc00"
	ColorGrid    = "#1e90ff"
	ColorBattery = "#ffa500"
	ColorLoad    = "#ff4500"
)

// Color returns the colour of a node.
func (n Node) Color() string {
	switch n {
	case NodePV:
		return ColorPV
	case NodeGrid:
		return ColorGrid
	case NodeBattery:
		return ColorBattery
	case NodeLoad:
		return ColorLoad
	default:
		return ""
	}
}

// DiagramNode is a node of the energy flow diagram.
type DiagramNode struct {
	ID     Node     `json:"id"`
	Label  string   `json:"label"`
	PowerW float64  `json:"powerW"`
	SOC    *float64 `json:"soc,omitempty"`
	Color  string   `json:"color"`
}

// Edge is an active flow drawn between two diagram nodes.
type Edge struct {
	ID     string  `json:"id"`
	Source Node    `json:"source"`
	Target Node    `json:"target"`
	Name   Name    `json:"name"`
	KW     float64 `json:"kw"`
	Label  string  `json:"label"`
	Color  string  `json:"color"`
}

// Nodes returns the four diagram nodes with their raw readings.
func Nodes(m types.Metrics) []DiagramNode {
	soc := m.Value(types.MetricSOC)
	return []DiagramNode{
		{ID: NodePV, Label: "PV", PowerW: m.Value(types.MetricTotalSolarPower), Color: ColorPV},
		{ID: NodeBattery, Label: "Battery", PowerW: m.Value(types.MetricBatteryPower), SOC: &soc, Color: ColorBattery},
		{ID: NodeGrid, Label: "Grid", PowerW: m.Value(types.MetricTotalGridPower), Color: ColorGrid},
		{ID: NodeLoad, Label: "Load", PowerW: m.Value(types.MetricTotalConsumptionPower), Color: ColorLoad},
	}
}

// Edges returns one edge per active flow in declaration order.
func Edges(r Result) []Edge {
	var edges []Edge
	for _, n := range Names() {
		kw, ok := r[n]
		if !ok {
			continue
		}
		edges = append(edges, Edge{
			ID:     fmt.Sprintf("%s_to_%s", n.Source(), n.Target()),
			Source: n.Source(),
			Target: n.Target(),
			Name:   n,
			KW:     kw,
			Label:  fmt.Sprintf("%.2f kW", kw),
			Color:  n.Source().Color(),
		})
	}
	return edges
}
