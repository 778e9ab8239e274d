package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mogi-io/cdnstat/internal/series"
)

const defaultMonitoringBaseURL = "https://monitoring.googleapis.com"

// MetricClient reads aligned time series from the monitoring service.
// It implements series.Source.
type MetricClient struct {
	baseURL   string
	projectID string
	token     string
	client    *http.Client
}

// MetricClientOptions configures a MetricClient. Zero values select the
// production endpoint and a default HTTP client.
type MetricClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewMetricClient returns a client for the given project,
// authenticating with the given bearer token.
func NewMetricClient(projectID, token string, opts MetricClientOptions) *MetricClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultMonitoringBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &MetricClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		projectID: projectID,
		token:     token,
		client:    client,
	}
}

type listSeriesResponse struct {
	TimeSeries []struct {
		Points []struct {
			Interval struct {
				EndTime time.Time `json:"endTime"`
			} `json:"interval"`
			Value struct {
				// The provider encodes 64-bit integers as JSON strings.
				Int64Value json.Number `json:"int64Value"`
			} `json:"value"`
		} `json:"points"`
	} `json:"timeSeries"`
}

// ListTimeSeries fetches one metric's series for [start, end], summed
// per alignment period and reduced across streams. A metric unknown to
// the provider yields an empty series and a nil error; the samples are
// returned in ascending time order.
func (c *MetricClient) ListTimeSeries(ctx context.Context, metricType string, start, end time.Time, period time.Duration) ([]series.Point, error) {
	q := url.Values{}
	q.Set("filter", fmt.Sprintf("metric.type = %q", metricType))
	q.Set("interval.startTime", start.UTC().Format(time.RFC3339))
	q.Set("interval.endTime", end.UTC().Format(time.RFC3339))
	q.Set("aggregation.alignmentPeriod", fmt.Sprintf("%ds", int64(period.Seconds())))
	q.Set("aggregation.perSeriesAligner", "ALIGN_SUM")
	q.Set("aggregation.crossSeriesReducer", "REDUCE_SUM")

	endpoint := fmt.Sprintf("%s/v3/projects/%s/timeSeries?%s", c.baseURL, c.projectID, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list time series: %w", err)
	}
	defer resp.Body.Close()

	// The provider rejects unknown metric types rather than returning
	// an empty result; treat that as "no data" the way an absent
	// series is.
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
		slog.Warn("metric not found", "metric", metricType, "status", resp.StatusCode)
		return []series.Point{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("list time series: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed listSeriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode time series: %w", err)
	}
	if len(parsed.TimeSeries) == 0 {
		return []series.Point{}, nil
	}

	raw := parsed.TimeSeries[0].Points
	points := make([]series.Point, 0, len(raw))
	for _, p := range raw {
		value, err := p.Value.Int64Value.Int64()
		if err != nil && p.Value.Int64Value != "" {
			return nil, fmt.Errorf("decode point value %q: %w", p.Value.Int64Value, err)
		}
		points = append(points, series.Point{
			Timestamp: p.Interval.EndTime,
			Value:     value,
		})
	}
	// The provider returns samples newest-first.
	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points, nil
}
