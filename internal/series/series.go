// Package series fetches cloud metric time series over a window at an
// adaptively chosen granularity and merges independently-fetched series
// onto a single time axis.
package series

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Metric types exposed by the load balancer, as named by the
// monitoring provider.
const (
	MetricRequestCount  = "loadbalancing.googleapis.com/https/request_count"
	MetricResponseBytes = "loadbalancing.googleapis.com/https/response_bytes_count"
)

// maxSumPeriod caps the single-bucket alignment period used for totals
// on very long windows.
const maxSumPeriod = 7 * 24 * time.Hour

// Point is one aligned sample of a single metric.
type Point struct {
	Timestamp time.Time
	Value     int64
}

// MergedPoint carries both metrics for one shared timestamp. A metric
// with no sample at that timestamp reports zero.
type MergedPoint struct {
	Timestamp time.Time
	Requests  int64
	Bytes     int64
}

// Totals holds the provider-side sums for a whole window.
type Totals struct {
	Requests int64
	Bytes    int64
}

// Source reads one metric's aligned time series from the monitoring
// provider. A metric unknown to the provider yields an empty slice and
// a nil error.
type Source interface {
	ListTimeSeries(ctx context.Context, metricType string, start, end time.Time, period time.Duration) ([]Point, error)
}

// AlignmentPeriod picks the bucket width for a window so a chart shows
// a roughly constant number of points regardless of range.
func AlignmentPeriod(window time.Duration) time.Duration {
	switch {
	case window <= 6*time.Hour:
		return 5 * time.Minute
	case window <= 24*time.Hour:
		return time.Hour
	case window <= 168*time.Hour:
		return 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Fetcher reads and aligns request-count and response-bytes series.
type Fetcher struct {
	source Source
}

// NewFetcher returns a Fetcher reading from the given source.
func NewFetcher(source Source) *Fetcher {
	return &Fetcher{source: source}
}

// Fetch reads both metric series for [start, end] concurrently at the
// window's shared alignment period and merges them onto a common axis.
// Both reads must succeed; an empty series for one metric is not an
// error and merges as zeros.
func (f *Fetcher) Fetch(ctx context.Context, start, end time.Time) ([]MergedPoint, error) {
	period := AlignmentPeriod(end.Sub(start))

	var requests, bytes []Point
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		requests, err = f.source.ListTimeSeries(ctx, MetricRequestCount, start, end, period)
		return err
	})
	g.Go(func() error {
		var err error
		bytes, err = f.source.ListTimeSeries(ctx, MetricResponseBytes, start, end, period)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch metric series: %w", err)
	}

	if len(requests) == 0 {
		slog.Warn("metric returned no data", "metric", MetricRequestCount, "start", start, "end", end)
	}
	if len(bytes) == 0 {
		slog.Warn("metric returned no data", "metric", MetricResponseBytes, "start", start, "end", end)
	}

	return Merge(requests, bytes), nil
}

// Sum returns the provider-side total of one metric over [start, end],
// requested as a single bucket spanning the window (capped for very
// long windows). The coarse provider aggregation is authoritative; the
// total is not derived from the fine-grained series.
func (f *Fetcher) Sum(ctx context.Context, metricType string, start, end time.Time) (int64, error) {
	period := end.Sub(start)
	if period > maxSumPeriod {
		period = maxSumPeriod
	}
	points, err := f.source.ListTimeSeries(ctx, metricType, start, end, period)
	if err != nil {
		return 0, fmt.Errorf("fetch metric total %s: %w", metricType, err)
	}
	var total int64
	for _, p := range points {
		total += p.Value
	}
	return total, nil
}

// SumAll reads both metric totals for the window concurrently.
func (f *Fetcher) SumAll(ctx context.Context, start, end time.Time) (Totals, error) {
	var totals Totals
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		totals.Requests, err = f.Sum(ctx, MetricRequestCount, start, end)
		return err
	})
	g.Go(func() error {
		var err error
		totals.Bytes, err = f.Sum(ctx, MetricResponseBytes, start, end)
		return err
	})
	if err := g.Wait(); err != nil {
		return Totals{}, err
	}
	return totals, nil
}

// Merge outer-joins the two series on timestamp. The result covers the
// sorted union of both series' timestamps in ascending order; a
// timestamp present on only one side reports zero for the other.
func Merge(requests, bytes []Point) []MergedPoint {
	merged := make(map[time.Time]*MergedPoint, len(requests)+len(bytes))
	for _, p := range requests {
		merged[p.Timestamp] = &MergedPoint{Timestamp: p.Timestamp, Requests: p.Value}
	}
	for _, p := range bytes {
		if m, ok := merged[p.Timestamp]; ok {
			m.Bytes = p.Value
		} else {
			merged[p.Timestamp] = &MergedPoint{Timestamp: p.Timestamp, Bytes: p.Value}
		}
	}

	out := make([]MergedPoint, 0, len(merged))
	for _, m := range merged {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
