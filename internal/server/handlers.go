package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mogi-io/cdnstat/internal/format"
	"github.com/mogi-io/cdnstat/internal/geo"
	"github.com/mogi-io/cdnstat/internal/metrics"
	"github.com/mogi-io/cdnstat/internal/series"
)

const defaultLimit = 10

// window is a validated [Start, End] time range.
type window struct {
	Start time.Time
	End   time.Time
}

func (w window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// parseWindow validates the requested time range. Unparseable
// timestamps or an empty/inverted range are client errors.
func parseWindow(startTime, endTime string) (window, error) {
	start, err := time.Parse(time.RFC3339, startTime)
	if err != nil {
		return window{}, fmt.Errorf("invalid startTime %q", startTime)
	}
	end, err := time.Parse(time.RFC3339, endTime)
	if err != nil {
		return window{}, fmt.Errorf("invalid endTime %q", endTime)
	}
	if !start.Before(end) {
		return window{}, fmt.Errorf("startTime must be before endTime")
	}
	return window{Start: start, End: end}, nil
}

type timeRangeJSON struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Duration string `json:"duration"`
}

func timeRangeOf(win window) timeRangeJSON {
	return timeRangeJSON{
		Start:    win.Start.Format(time.RFC3339),
		End:      win.End.Format(time.RFC3339),
		Duration: format.HumanDuration(win.Duration()),
	}
}

type ipJSON struct {
	IP             string        `json:"ip"`
	Count          int64         `json:"count"`
	CountFormatted string        `json:"countFormatted"`
	Region         string        `json:"region"`
	TopURL         string        `json:"topUrl"`
	Location       *geo.Location `json:"location"`
}

type countryJSON struct {
	Country        string `json:"country"`
	Count          int64  `json:"count"`
	CountFormatted string `json:"countFormatted"`
}

type browserJSON struct {
	Browser        string `json:"browser"`
	Count          int64  `json:"count"`
	CountFormatted string `json:"countFormatted"`
}

type seriesPointJSON struct {
	Timestamp string `json:"timestamp"`
	Requests  int64  `json:"requests"`
}

type analyticsResponse struct {
	TopIPs       []ipJSON          `json:"topIps"`
	TopCountries []countryJSON     `json:"topCountries"`
	TopBrowsers  []browserJSON     `json:"topBrowsers"`
	TimeSeries   []seriesPointJSON `json:"timeSeries"`
	TotalEntries int64             `json:"totalEntries"`
	TimeRange    timeRangeJSON     `json:"timeRange"`
}

// humanCount renders a non-negative count; the inputs here are counter
// values, so formatting cannot fail.
func humanCount(n int64) string {
	s, err := format.HumanCount(n)
	if err != nil {
		return strconv.FormatInt(n, 10)
	}
	return s
}

func humanBytes(n int64) string {
	s, err := format.HumanBytes(n)
	if err != nil {
		return strconv.FormatInt(n, 10)
	}
	return s
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		StartTime string `json:"startTime"`
		EndTime   string `json:"endTime"`
		Limit     *int   `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	win, err := parseWindow(req.StartTime, req.EndTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := defaultLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	if limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be positive")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.UpstreamTimeout)
	defer cancel()

	begin := time.Now()
	entries, err := s.logs.Entries(ctx, win.Start, win.End, s.cfg.LogPageSize)
	if s.metrics != nil {
		s.metrics.RecordUpstreamFetch(metrics.ServiceLogs, err, time.Since(begin).Seconds())
	}
	if err != nil {
		slog.Error("log fetch failed", "error", err, "start", win.Start, "end", win.End)
		writeError(w, http.StatusBadGateway, "failed to fetch analytics data")
		return
	}

	report, err := s.agg.Aggregate(entries, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := analyticsResponse{
		TopIPs:       make([]ipJSON, 0, len(report.TopIPs)),
		TopCountries: make([]countryJSON, 0, len(report.TopCountries)),
		TopBrowsers:  make([]browserJSON, 0, len(report.TopBrowsers)),
		TimeSeries:   make([]seriesPointJSON, 0, len(report.Series)),
		TotalEntries: report.TotalEntries,
		TimeRange:    timeRangeOf(win),
	}
	for _, stat := range report.TopIPs {
		resp.TopIPs = append(resp.TopIPs, ipJSON{
			IP:             stat.IP,
			Count:          stat.Count,
			CountFormatted: humanCount(stat.Count),
			Region:         stat.Region,
			TopURL:         stat.TopURL,
			Location:       stat.Location,
		})
	}
	for _, stat := range report.TopCountries {
		resp.TopCountries = append(resp.TopCountries, countryJSON{
			Country:        stat.Country,
			Count:          stat.Count,
			CountFormatted: humanCount(stat.Count),
		})
	}
	for _, stat := range report.TopBrowsers {
		resp.TopBrowsers = append(resp.TopBrowsers, browserJSON{
			Browser:        stat.Browser,
			Count:          stat.Count,
			CountFormatted: humanCount(stat.Count),
		})
	}
	for _, bucket := range report.Series {
		resp.TimeSeries = append(resp.TimeSeries, seriesPointJSON{
			Timestamp: bucket.Start.Format(time.RFC3339),
			Requests:  bucket.Requests,
		})
	}

	writeJSON(w, resp)
}

type metricPointJSON struct {
	Timestamp string `json:"timestamp"`
	Value     int64  `json:"value"`
}

type metricsResponse struct {
	Totals struct {
		Requests          int64  `json:"requests"`
		Bytes             int64  `json:"bytes"`
		RequestsFormatted string `json:"requestsFormatted"`
		BytesFormatted    string `json:"bytesFormatted"`
	} `json:"totals"`
	TimeSeries struct {
		Requests []metricPointJSON `json:"requests"`
		Bytes    []metricPointJSON `json:"bytes"`
	} `json:"timeSeries"`
	TimeRange timeRangeJSON `json:"timeRange"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		StartTime string `json:"startTime"`
		EndTime   string `json:"endTime"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	win, err := parseWindow(req.StartTime, req.EndTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.UpstreamTimeout)
	defer cancel()

	begin := time.Now()
	merged, err := s.fetcher.Fetch(ctx, win.Start, win.End)
	if err == nil {
		var totals series.Totals
		totals, err = s.fetcher.SumAll(ctx, win.Start, win.End)
		if err == nil {
			s.writeMetricsResponse(w, win, merged, totals, time.Since(begin))
			return
		}
	}
	if s.metrics != nil {
		s.metrics.RecordUpstreamFetch(metrics.ServiceMetrics, err, time.Since(begin).Seconds())
	}
	slog.Error("metric fetch failed", "error", err, "start", win.Start, "end", win.End)
	writeError(w, http.StatusBadGateway, "failed to fetch metrics")
}

func (s *Server) writeMetricsResponse(w http.ResponseWriter, win window, merged []series.MergedPoint, totals series.Totals, elapsed time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordUpstreamFetch(metrics.ServiceMetrics, nil, elapsed.Seconds())
	}

	var resp metricsResponse
	resp.Totals.Requests = totals.Requests
	resp.Totals.Bytes = totals.Bytes
	resp.Totals.RequestsFormatted = humanCount(totals.Requests)
	resp.Totals.BytesFormatted = humanBytes(totals.Bytes)
	resp.TimeRange = timeRangeOf(win)

	// Both emitted series share the merged union axis, so the chart
	// x-axes always match.
	resp.TimeSeries.Requests = make([]metricPointJSON, 0, len(merged))
	resp.TimeSeries.Bytes = make([]metricPointJSON, 0, len(merged))
	for _, p := range merged {
		ts := p.Timestamp.Format(time.RFC3339)
		resp.TimeSeries.Requests = append(resp.TimeSeries.Requests, metricPointJSON{Timestamp: ts, Value: p.Requests})
		resp.TimeSeries.Bytes = append(resp.TimeSeries.Bytes, metricPointJSON{Timestamp: ts, Value: p.Bytes})
	}

	writeJSON(w, resp)
}
