package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/flow"
	"github.com/alexandertiopan1212/netzero-ems/pkg/insights"
	"github.com/alexandertiopan1212/netzero-ems/pkg/log"
	"github.com/alexandertiopan1212/netzero-ems/pkg/storage"
	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	devices, err := s.storage.ListDevices(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list devices", slog.Any("error", err))
		writeJSONError(w, "failed to list devices", http.StatusInternalServerError)
		return
	}

	search := strings.ToLower(r.URL.Query().Get("search"))
	matched := make([]types.DeviceMeta, 0, len(devices))
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.SN), search) {
			matched = append(matched, d)
		}
	}
	writeJSON(w, matched)
}

// latest loads the newest metrics of the device in the request path. It writes
// the error response itself and returns false on failure.
func (s *Server) latest(w http.ResponseWriter, r *http.Request) (string, time.Time, types.Metrics, bool) {
	ctx := r.Context()
	sn := r.PathValue("sn")
	ts, m, err := s.storage.GetLatestReadings(ctx, sn)
	if errors.Is(err, storage.ErrDeviceNotFound) {
		writeJSONError(w, "no data for device", http.StatusNotFound)
		return "", time.Time{}, nil, false
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get latest readings", slog.String("deviceSN", sn), slog.Any("error", err))
		writeJSONError(w, "failed to get latest readings", http.StatusInternalServerError)
		return "", time.Time{}, nil, false
	}
	return sn, ts, m, true
}

type latestResponse struct {
	DeviceSN  string        `json:"deviceSn"`
	Timestamp time.Time     `json:"timestamp"`
	Online    bool          `json:"online"`
	Metrics   types.Metrics `json:"metrics"`
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	sn, ts, m, ok := s.latest(w, r)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=60")
	writeJSON(w, latestResponse{
		DeviceSN:  sn,
		Timestamp: ts,
		Online:    insights.Online(ts, s.now(), s.insights.OnlineWindow),
		Metrics:   m,
	})
}

type flowsResponse struct {
	DeviceSN  string             `json:"deviceSn"`
	Timestamp time.Time          `json:"timestamp"`
	Flows     flow.Result        `json:"flows"`
	Nodes     []flow.DiagramNode `json:"nodes"`
	Edges     []flow.Edge        `json:"edges"`
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	sn, ts, m, ok := s.latest(w, r)
	if !ok {
		return
	}
	res := flow.Decompose(flow.InputsFromMetrics(m))
	edges := flow.Edges(res)
	if edges == nil {
		edges = []flow.Edge{}
	}
	writeJSON(w, flowsResponse{
		DeviceSN:  sn,
		Timestamp: ts,
		Flows:     res,
		Nodes:     flow.Nodes(m),
		Edges:     edges,
	})
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	_, _, m, ok := s.latest(w, r)
	if !ok {
		return
	}
	writeJSON(w, insights.Breakdown(m))
}

// since parses the period query parameter into the start of the trend window.
func (s *Server) since(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	d, err := insights.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return time.Time{}, false
	}
	return s.now().Add(-d), true
}

func (s *Server) history(ctx context.Context, sn, key string, since time.Time) ([]types.Point, error) {
	points, err := s.storage.GetHistory(ctx, sn, key, since)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get history", slog.String("deviceSN", sn), slog.String("key", key), slog.Any("error", err))
		return nil, err
	}
	if points == nil {
		points = []types.Point{}
	}
	return points, nil
}

const maxRecentLimit = 1000

type historyResponse struct {
	Key      string        `json:"key"`
	Unit     string        `json:"unit"`
	UnitName string        `json:"unitName"`
	Points   []types.Point `json:"points"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sn := r.PathValue("sn")
	key := r.URL.Query().Get("key")
	if key == "" {
		writeJSONError(w, "missing key", http.StatusBadRequest)
		return
	}

	var points []types.Point
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		// newest first
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 || limit > maxRecentLimit {
			writeJSONError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		points, err = s.storage.GetRecentReadings(ctx, sn, key, limit)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get recent readings", slog.String("deviceSN", sn), slog.String("key", key), slog.Any("error", err))
			writeJSONError(w, "failed to get history", http.StatusInternalServerError)
			return
		}
		if points == nil {
			points = []types.Point{}
		}
	} else {
		since, ok := s.since(w, r)
		if !ok {
			return
		}
		var err error
		points, err = s.history(ctx, sn, key, since)
		if err != nil {
			writeJSONError(w, "failed to get history", http.StatusInternalServerError)
			return
		}
	}

	var unit string
	if _, m, err := s.storage.GetLatestReadings(ctx, sn); err == nil {
		unit = m[key].Unit
	}
	writeJSON(w, historyResponse{Key: key, Unit: unit, UnitName: types.UnitName(unit), Points: points})
}
