package insights

import (
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/shopspring/decimal"
)

// WeekWindow is how far back the weekly balance looks.
const WeekWindow = 7 * 24 * time.Hour

// DayBalance is one UTC calendar day of the weekly balance.
type DayBalance struct {
	Date            time.Time `json:"date"`
	ProductionKWh   float64   `json:"productionKWh"`
	ConsumptionKWh  float64   `json:"consumptionKWh"`
	NetKWh          float64   `json:"netKWh"`
	CO2Kg           float64   `json:"co2Kg"`
	CumulativeCO2Kg float64   `json:"cumulativeCO2Kg"`
}

// Weekly is the production/consumption balance over the last week.
type Weekly struct {
	Days []DayBalance `json:"days"`
	// Saving is the sum of the positive daily net energy priced at the tariff.
	Saving     decimal.Decimal `json:"saving"`
	SavingText string          `json:"savingText"`
	Target     decimal.Decimal `json:"target"`
	TargetText string          `json:"targetText"`
}

// MinNetKWh returns the worst daily net energy, or 0 without days.
func (w Weekly) MinNetKWh() float64 {
	if len(w.Days) == 0 {
		return 0
	}
	m := w.Days[0].NetKWh
	for _, d := range w.Days[1:] {
		m = min(m, d.NetKWh)
	}
	return m
}

// WeeklyBalance sums the production and consumption samples per UTC day and
// derives the daily net, CO2 and the saving against the monthly target. Every
// day between the first and last sample is present; a day without samples is
// 0. It returns nil when either series is empty.
func (c Config) WeeklyBalance(prod, cons []types.Point) *Weekly {
	if len(prod) == 0 || len(cons) == 0 {
		return nil
	}

	prodByDay := sumByDay(prod)
	consByDay := sumByDay(cons)

	first, last := dayOf(prod[0].Timestamp), dayOf(prod[0].Timestamp)
	for _, series := range [][]types.Point{prod, cons} {
		for _, p := range series {
			d := dayOf(p.Timestamp)
			if d.Before(first) {
				first = d
			}
			if d.After(last) {
				last = d
			}
		}
	}

	w := &Weekly{Target: c.MonthlyTarget, TargetText: c.FormatMoney(c.MonthlyTarget)}
	var cum, positive float64
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		p, cn := prodByDay[d], consByDay[d]
		co2 := p * c.EmissionFactor
		cum += co2
		net := p - cn
		positive += max(net, 0)
		w.Days = append(w.Days, DayBalance{
			Date:            d,
			ProductionKWh:   p,
			ConsumptionKWh:  cn,
			NetKWh:          net,
			CO2Kg:           co2,
			CumulativeCO2Kg: cum,
		})
	}
	w.Saving = decimal.NewFromFloat(positive).Mul(c.Tariff).Round(0)
	w.SavingText = c.FormatMoney(w.Saving)
	return w
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func sumByDay(points []types.Point) map[time.Time]float64 {
	sums := make(map[time.Time]float64)
	for _, p := range points {
		sums[dayOf(p.Timestamp)] += p.Value
	}
	return sums
}
