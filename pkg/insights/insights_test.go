package insights

import (
	"testing"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kwh(v float64) types.MetricValue { return types.MetricValue{Value: v, Unit: "kWh"} }

func TestCompute(t *testing.T) {
	c := DefaultConfig()

	t.Run("deficit day", func(t *testing.T) {
		d := c.Compute(types.Metrics{
			types.MetricDailyActiveProduction: kwh(20),
			types.MetricDailyConsumption:      kwh(25),
			types.MetricDailyEnergyBuy:        kwh(8),
			types.MetricDailyEnergySell:       kwh(3),
			types.MetricSOC:                   {Value: 35, Unit: "%"},
		})
		assert.Equal(t, -5.0, d.NetKWh)
		assert.InDelta(t, 16.4, d.CO2AvoidedKg, 1e-9)
		assert.True(t, decimal.NewFromInt(25500).Equal(d.GridSaved), d.GridSaved.String())
		assert.Equal(t, "Rp25,500", d.GridSavedText)
		assert.InDelta(t, 85, d.SelfConsumptionPct, 1e-4)
		assert.InDelta(t, 68, d.SelfSufficiencyPct, 1e-4)
		assert.InDelta(t, 72.7272, d.BuySharePct, 1e-3)
		assert.InDelta(t, 27.2727, d.SellSharePct, 1e-3)
		assert.Equal(t, 35.0, d.SOC)
	})

	t.Run("no data", func(t *testing.T) {
		d := c.Compute(nil)
		assert.Zero(t, d.NetKWh)
		assert.Zero(t, d.SelfConsumptionPct)
		assert.Zero(t, d.SelfSufficiencyPct)
		assert.Zero(t, d.BuySharePct)
		assert.Equal(t, "Rp0", d.GridSavedText)
	})

	t.Run("custom tariff", func(t *testing.T) {
		c := Config{EmissionFactor: 0.5, Tariff: decimal.RequireFromString("0.25"), Currency: "USD"}
		d := c.Compute(types.Metrics{types.MetricDailyActiveProduction: kwh(4010)})
		assert.Equal(t, "$1,003", d.GridSavedText)
		assert.Equal(t, 2005.0, d.CO2AvoidedKg)
	})
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 0, Progress(-5))
	assert.Equal(t, 67, Progress(67.9))
	assert.Equal(t, 100, Progress(150))
}

func TestOnline(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, Online(now.Add(-30*time.Second), now, time.Minute))
	assert.False(t, Online(now.Add(-time.Minute), now, time.Minute))
	assert.False(t, Online(time.Time{}, now, time.Minute))
}

func TestFormatMoney(t *testing.T) {
	idr := DefaultConfig()
	assert.Equal(t, "Rp1,234,568", idr.FormatMoney(decimal.RequireFromString("1234567.6")))
	assert.Equal(t, "Rp999", idr.FormatMoney(decimal.NewFromInt(999)))
	assert.Equal(t, "-Rp1,500", idr.FormatMoney(decimal.NewFromInt(-1500)))
	assert.Equal(t, "SGD 1,000", Config{Currency: "SGD"}.FormatMoney(decimal.NewFromInt(1000)))
}

func TestWeeklyBalance(t *testing.T) {
	c := DefaultConfig()
	day1 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	day3 := day1.AddDate(0, 0, 2)

	prod := []types.Point{
		{Timestamp: day1.Add(10 * time.Hour), Value: 10},
		{Timestamp: day1.Add(12 * time.Hour), Value: 5},
		{Timestamp: day3.Add(9 * time.Hour), Value: 20},
	}
	cons := []types.Point{
		{Timestamp: day1.Add(11 * time.Hour), Value: 20},
		{Timestamp: day2.Add(11 * time.Hour), Value: 10},
	}

	w := c.WeeklyBalance(prod, cons)
	require.NotNil(t, w)
	require.Len(t, w.Days, 3)

	assert.Equal(t, day1, w.Days[0].Date)
	assert.Equal(t, 15.0, w.Days[0].ProductionKWh)
	assert.Equal(t, -5.0, w.Days[0].NetKWh)
	assert.Equal(t, day2, w.Days[1].Date)
	assert.Equal(t, -10.0, w.Days[1].NetKWh)
	assert.Zero(t, w.Days[1].CO2Kg)
	assert.Equal(t, 20.0, w.Days[2].NetKWh)
	assert.InDelta(t, 28.7, w.Days[2].CumulativeCO2Kg, 1e-9)

	assert.Equal(t, -10.0, w.MinNetKWh())
	assert.Equal(t, "Rp30,000", w.SavingText)
	assert.Equal(t, "Rp1,500,000", w.TargetText)

	assert.Nil(t, c.WeeklyBalance(prod, nil))
	assert.Nil(t, c.WeeklyBalance(nil, cons))
	assert.Zero(t, Weekly{}.MinNetKWh())
}

func recIDs(recs []Recommendation) []string {
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestRecommendations(t *testing.T) {
	t.Run("everything wrong", func(t *testing.T) {
		d := Daily{NetKWh: -10, SOC: 20, SelfSufficiencyPct: 50}
		w := &Weekly{Days: []DayBalance{{NetKWh: 2}, {NetKWh: -6}}}
		recs := Recommendations(d, w)
		assert.Equal(t, []string{"upsize-pv", "charge-midday", "shift-hvac", "add-battery", "offer-recs"}, recIDs(recs))
		assert.Equal(t, "Upsize PV ±2 kWp.", recs[0].Text)
	})

	t.Run("healthy day", func(t *testing.T) {
		d := Daily{NetKWh: 3, SOC: 80, SelfSufficiencyPct: 90}
		w := &Weekly{Days: []DayBalance{{NetKWh: -5}}}
		assert.Equal(t, []string{"offer-recs"}, recIDs(Recommendations(d, w)))
	})

	t.Run("no weekly balance", func(t *testing.T) {
		d := Daily{NetKWh: 0, SOC: 40, SelfSufficiencyPct: 70}
		assert.Equal(t, []string{"offer-recs"}, recIDs(Recommendations(d, nil)))
	})
}

func TestParsePeriod(t *testing.T) {
	for period, want := range map[string]time.Duration{
		"":    24 * time.Hour,
		"1h":  time.Hour,
		"6h":  6 * time.Hour,
		"12h": 12 * time.Hour,
		"24h": 24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
	} {
		got, err := ParsePeriod(period)
		require.NoError(t, err, period)
		assert.Equal(t, want, got, period)
	}

	defaultWindow, err := ParsePeriod(DefaultPeriod)
	require.NoError(t, err)
	empty, err := ParsePeriod("")
	require.NoError(t, err)
	assert.Equal(t, defaultWindow, empty)

	_, err = ParsePeriod("2d")
	assert.ErrorContains(t, err, "unknown period")
}

func TestOverview(t *testing.T) {
	m := types.Metrics{
		types.MetricDailyActiveProduction: kwh(12),
		types.MetricTotalSolarPower:       {Value: 3000, Unit: "W"},
		types.MetricDailyConsumption:      kwh(8),
	}
	history := map[string][]types.Point{
		types.MetricDailyActiveProduction: {{Value: 2}, {Value: 7}},
		types.MetricDailyConsumption:      {{Value: 8}},
	}

	sections := Overview(m, history)
	require.Len(t, sections, 3)
	assert.Equal(t, "Production", sections[0].Title)
	assert.Equal(t, "Consumption", sections[1].Title)
	assert.Equal(t, "Grid & Battery", sections[2].Title)

	prod := sections[0].KPIs
	require.Len(t, prod, 3)
	assert.Equal(t, "Dly ActiveProduction", prod[0].Label)
	assert.Equal(t, "12 kWh", prod[0].Value)
	require.NotNil(t, prod[0].Delta)
	assert.Equal(t, 10.0, *prod[0].Delta)
	assert.Equal(t, "10.0 kWh", prod[0].DeltaText)
	assert.Equal(t, "- kWh", prod[1].Value)
	assert.Nil(t, prod[1].Delta)
	assert.Equal(t, "3000 W", prod[2].Value)

	assert.Nil(t, sections[1].KPIs[0].Delta, "zero delta is hidden")
	assert.Equal(t, "- %", sections[2].KPIs[1].Value)

	assert.Equal(t, []string{types.MetricDailyActiveProduction, types.MetricDailyConsumption}, DeltaKeys())
}

func TestDelta(t *testing.T) {
	d, ok := Delta(5, []types.Point{{Value: 2}})
	assert.True(t, ok)
	assert.Equal(t, 3.0, d)

	_, ok = Delta(5, nil)
	assert.False(t, ok)
}

func TestBreakdown(t *testing.T) {
	d := Breakdown(types.Metrics{
		"DCVoltagePV1":  {Value: 350, Unit: "V"},
		"GridVoltageL2": {Value: 230, Unit: "V"},
		types.MetricSOC: {Value: 64, Unit: "%"},
	})

	require.Len(t, d.PV, 4)
	require.NotNil(t, d.PV[0].Voltage.Value)
	assert.Equal(t, 350.0, *d.PV[0].Voltage.Value)
	assert.Equal(t, "V", d.PV[0].Voltage.Unit)
	assert.Nil(t, d.PV[1].Voltage.Value)
	assert.Equal(t, "DCPowerPV3", d.PV[2].PowerKey)

	require.Len(t, d.Grid, 3)
	assert.Equal(t, "L2", d.Grid[1].Phase)
	require.NotNil(t, d.Grid[1].Voltage.Value)
	assert.Equal(t, 230.0, *d.Grid[1].Voltage.Value)
	assert.Nil(t, d.Grid[0].Power.Value)
	assert.Equal(t, 64.0, d.SOC)
}
