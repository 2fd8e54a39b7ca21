package server

import (
	"net/http"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/insights"
	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
)

type overviewResponse struct {
	DeviceSN  string             `json:"deviceSn"`
	Timestamp time.Time          `json:"timestamp"`
	Online    bool               `json:"online"`
	Sections  []insights.Section `json:"sections"`
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sn, ts, m, ok := s.latest(w, r)
	if !ok {
		return
	}
	since, ok := s.since(w, r)
	if !ok {
		return
	}

	history := make(map[string][]types.Point)
	for _, key := range insights.DeltaKeys() {
		points, err := s.history(ctx, sn, key, since)
		if err != nil {
			writeJSONError(w, "failed to get history", http.StatusInternalServerError)
			return
		}
		history[key] = points
	}

	writeJSON(w, overviewResponse{
		DeviceSN:  sn,
		Timestamp: ts,
		Online:    insights.Online(ts, s.now(), s.insights.OnlineWindow),
		Sections:  insights.Overview(m, history),
	})
}

type insightsResponse struct {
	DeviceSN                string                    `json:"deviceSn"`
	Timestamp               time.Time                 `json:"timestamp"`
	Daily                   insights.Daily            `json:"daily"`
	SelfConsumptionProgress int                       `json:"selfConsumptionProgress"`
	SelfSufficiencyProgress int                       `json:"selfSufficiencyProgress"`
	Weekly                  *insights.Weekly          `json:"weekly"`
	SOC24h                  []types.Point             `json:"soc24h"`
	Recommendations         []insights.Recommendation `json:"recommendations"`
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sn, ts, m, ok := s.latest(w, r)
	if !ok {
		return
	}
	now := s.now()

	weekAgo := now.Add(-insights.WeekWindow)
	prod, err := s.history(ctx, sn, types.MetricDailyActiveProduction, weekAgo)
	if err != nil {
		writeJSONError(w, "failed to get history", http.StatusInternalServerError)
		return
	}
	cons, err := s.history(ctx, sn, types.MetricDailyConsumption, weekAgo)
	if err != nil {
		writeJSONError(w, "failed to get history", http.StatusInternalServerError)
		return
	}
	soc, err := s.history(ctx, sn, types.MetricSOC, now.Add(-24*time.Hour))
	if err != nil {
		writeJSONError(w, "failed to get history", http.StatusInternalServerError)
		return
	}

	daily := s.insights.Compute(m)
	weekly := s.insights.WeeklyBalance(prod, cons)
	writeJSON(w, insightsResponse{
		DeviceSN:                sn,
		Timestamp:               ts,
		Daily:                   daily,
		SelfConsumptionProgress: insights.Progress(daily.SelfConsumptionPct),
		SelfSufficiencyProgress: insights.Progress(daily.SelfSufficiencyPct),
		Weekly:                  weekly,
		SOC24h:                  soc,
		Recommendations:         insights.Recommendations(daily, weekly),
	})
}
