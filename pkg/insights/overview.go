package insights

import (
	"fmt"
	"strings"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
)

// Periods are the trend windows the dashboard offers, shortest first.
var Periods = []string{"1h", "6h", "12h", "24h", "7d"}

// DefaultPeriod is used when no period is requested.
const DefaultPeriod = "24h"

// ParsePeriod returns the duration of a trend window. An empty period is
// DefaultPeriod.
func ParsePeriod(period string) (time.Duration, error) {
	switch period {
	case "":
		return ParsePeriod(DefaultPeriod)
	case "1h":
		return time.Hour, nil
	case "6h":
		return 6 * time.Hour, nil
	case "12h":
		return 12 * time.Hour, nil
	case "24h":
		return 24 * time.Hour, nil
	case "7d":
		return 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown period %q, expected one of %s", period, strings.Join(Periods, ", "))
	}
}

// KPI is one card of the overview.
type KPI struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Value string `json:"value"`
	// Delta is the change since the start of the trend period. It is only set
	// on daily counters and only when non-zero.
	Delta     *float64 `json:"delta,omitempty"`
	DeltaText string   `json:"deltaText,omitempty"`
}

// Section groups KPI cards under a title.
type Section struct {
	Title string `json:"title"`
	KPIs  []KPI  `json:"kpis"`
}

type kpiSpec struct {
	key  string
	unit string
}

var overviewLayout = []struct {
	title string
	kpis  []kpiSpec
}{
	{"Production", []kpiSpec{
		{types.MetricDailyActiveProduction, "kWh"},
		{types.MetricTotalActiveProduction, "kWh"},
		{types.MetricTotalSolarPower, "W"},
	}},
	{"Consumption", []kpiSpec{
		{types.MetricDailyConsumption, "kWh"},
		{types.MetricTotalConsumption, "kWh"},
	}},
	{"Grid & Battery", []kpiSpec{
		{types.MetricTotalGridPower, "W"},
		{types.MetricSOC, "%"},
	}},
}

// DeltaKeys returns the overview keys that carry a period delta.
func DeltaKeys() []string {
	var keys []string
	for _, s := range overviewLayout {
		for _, k := range s.kpis {
			if isDaily(k.key) {
				keys = append(keys, k.key)
			}
		}
	}
	return keys
}

func isDaily(key string) bool {
	return strings.HasPrefix(key, "Daily")
}

// Delta returns the current value minus the first sample of history. It
// returns false when history is empty.
func Delta(current float64, history []types.Point) (float64, bool) {
	if len(history) == 0 {
		return 0, false
	}
	return current - history[0].Value, true
}

// Overview builds the KPI sections. history holds each daily counter's samples
// over the trend period, oldest first.
func Overview(m types.Metrics, history map[string][]types.Point) []Section {
	sections := make([]Section, 0, len(overviewLayout))
	for _, s := range overviewLayout {
		sec := Section{Title: s.title}
		for _, k := range s.kpis {
			kpi := KPI{
				Key:   k.key,
				Label: strings.Replace(k.key, "Daily", "Dly ", 1),
			}
			if m.Has(k.key) {
				kpi.Value = m.Format(k.key)
			} else {
				kpi.Value = "- " + k.unit
			}
			if isDaily(k.key) && m.Has(k.key) {
				if d, ok := Delta(m.Value(k.key), history[k.key]); ok && d != 0 {
					kpi.Delta = &d
					kpi.DeltaText = fmt.Sprintf("%.1f %s", d, k.unit)
				}
			}
			sec.KPIs = append(sec.KPIs, kpi)
		}
		sections = append(sections, sec)
	}
	return sections
}
