package flow

import (
	"testing"

	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEdges(t *testing.T) {
	res := Decompose(Inputs{PVPower: 1000, LoadPower: 1500, BatteryPower: -500})
	edges := Edges(res)
	require.Len(t, edges, 3)

	// declaration order: PV to Load, Grid to Load, Grid to Battery
	assert.Equal(t, Edge{
		ID: "pv_to_load", Source: NodePV, Target: NodeLoad, Name: PVToLoad,
		KW: 1.0, Label: "1.00 kW", Color: ColorPV,
	}, edges[0])
	assert.Equal(t, "grid_to_load", edges[1].ID)
	assert.Equal(t, ColorGrid, edges[1].Color)
	assert.Equal(t, "grid_to_battery", edges[2].ID)
	assert.Equal(t, "0.50 kW", edges[2].Label)

	assert.Empty(t, Edges(Result{}))
}

func TestNodes(t *testing.T) {
	nodes := Nodes(types.Metrics{
		types.MetricTotalSolarPower: {Value: 2500, Unit: "W"},
		types.MetricBatteryPower:    {Value: -300, Unit: "W"},
		types.MetricSOC:             {Value: 64, Unit: "%"},
	})
	require.Len(t, nodes, 4)
	assert.Equal(t, NodePV, nodes[0].ID)
	assert.Equal(t, 2500.0, nodes[0].PowerW)
	assert.Nil(t, nodes[0].SOC)
	require.NotNil(t, nodes[1].SOC)
	assert.Equal(t, 64.0, *nodes[1].SOC)
	assert.Equal(t, -300.0, nodes[1].PowerW)
	assert.Equal(t, 0.0, nodes[3].PowerW, "missing load reads as zero")
	for _, n := range nodes {
		assert.Equal(t, n.ID.Color(), n.Color)
	}
}
