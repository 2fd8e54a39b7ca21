package insights

import (
	"fmt"
	"math"
)

// Recommendation is one suggested action.
type Recommendation struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Recommendations lists the suggested actions in a fixed order. weekly may be
// nil when there was not enough history for a weekly balance.
func Recommendations(d Daily, weekly *Weekly) []Recommendation {
	var recs []Recommendation
	if d.NetKWh < 0 {
		recs = append(recs, Recommendation{
			ID:   "upsize-pv",
			Text: fmt.Sprintf("Upsize PV ±%.0f kWp.", math.Abs(d.NetKWh)/4),
		})
	}
	if d.SOC < 40 {
		recs = append(recs, Recommendation{
			ID:   "charge-midday",
			Text: "Charge battery midday (SOC < 40 %).",
		})
	}
	if weekly != nil && len(weekly.Days) > 0 && weekly.MinNetKWh() < -5 {
		recs = append(recs, Recommendation{
			ID:   "shift-hvac",
			Text: "Shift HVAC loads on deficit days.",
		})
	}
	if d.SelfSufficiencyPct < 70 {
		recs = append(recs, Recommendation{
			ID:   "add-battery",
			Text: "Add battery to lift self-sufficiency > 70 %.",
		})
	}
	return append(recs, Recommendation{
		ID:   "offer-recs",
		Text: "Offer REC/carbon credits for formal Net-Zero Scope-2.",
	})
}
