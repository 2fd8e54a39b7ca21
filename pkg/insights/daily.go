package insights

import (
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/shopspring/decimal"
)

// epsilon keeps the ratios finite on days without production or consumption.
const epsilon = 1e-6

// Daily is the insight for today's counters of one device.
type Daily struct {
	ProductionKWh  float64 `json:"productionKWh"`
	ConsumptionKWh float64 `json:"consumptionKWh"`
	BuyKWh         float64 `json:"buyKWh"`
	SellKWh        float64 `json:"sellKWh"`

	// NetKWh is production minus consumption.
	NetKWh       float64         `json:"netKWh"`
	CO2AvoidedKg float64         `json:"co2AvoidedKg"`
	GridSaved    decimal.Decimal `json:"gridSaved"`
	// GridSavedText is GridSaved formatted in the configured currency.
	GridSavedText string `json:"gridSavedText"`

	// SelfConsumptionPct is the share of production used on site and
	// SelfSufficiencyPct the share of consumption covered by it. Both are
	// unclamped and can leave [0, 100].
	SelfConsumptionPct float64 `json:"selfConsumptionPct"`
	SelfSufficiencyPct float64 `json:"selfSufficiencyPct"`

	SOC float64 `json:"soc"`

	// BuySharePct and SellSharePct split grid exchange between import and
	// export. Both are 0 when nothing was exchanged.
	BuySharePct  float64 `json:"buySharePct"`
	SellSharePct float64 `json:"sellSharePct"`
}

// Compute derives today's insight from a device's latest metrics. Missing
// counters count as 0.
func (c Config) Compute(m types.Metrics) Daily {
	prod := m.Value(types.MetricDailyActiveProduction)
	cons := m.Value(types.MetricDailyConsumption)
	buy := m.Value(types.MetricDailyEnergyBuy)
	sell := m.Value(types.MetricDailyEnergySell)

	used := prod - sell
	saved := decimal.NewFromFloat(used).Mul(c.Tariff).Round(0)

	d := Daily{
		ProductionKWh:      prod,
		ConsumptionKWh:     cons,
		BuyKWh:             buy,
		SellKWh:            sell,
		NetKWh:             prod - cons,
		CO2AvoidedKg:       prod * c.EmissionFactor,
		GridSaved:          saved,
		GridSavedText:      c.FormatMoney(saved),
		SelfConsumptionPct: used / (prod + epsilon) * 100,
		SelfSufficiencyPct: used / (cons + epsilon) * 100,
		SOC:                m.Value(types.MetricSOC),
	}
	if total := buy + sell; total > 0 {
		d.BuySharePct = buy / total * 100
		d.SellSharePct = sell / total * 100
	}
	return d
}

// Progress truncates a percentage to a whole number in [0, 100] for progress
// bars.
func Progress(pct float64) int {
	return min(max(int(pct), 0), 100)
}

// Online returns true if the last collection is newer than window.
func Online(last, now time.Time, window time.Duration) bool {
	return now.Sub(last) < window
}
