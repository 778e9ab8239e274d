package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mogi-io/cdnstat/internal/series"
)

var (
	start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end   = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
)

func TestLogClient_Entries(t *testing.T) {
	var gotReq listEntriesRequest
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/entries:list" {
			t.Errorf("path = %q, want /v2/entries:list", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{
			"entries": [
				{
					"timestamp": "2024-03-01T10:00:00Z",
					"jsonPayload": {"remoteIp": "1.2.3.4", "requestUrl": "/index.html"},
					"httpRequest": {"userAgent": "curl/8.0"}
				},
				{
					"timestamp": "2024-03-01T11:00:00Z",
					"httpRequest": {"remoteIp": "5.6.7.8", "requestUrl": "/api/data"}
				},
				{
					"timestamp": "2024-03-01T12:00:00Z",
					"jsonPayload": {}
				}
			]
		}`))
	}))
	defer srv.Close()

	c := NewLogClient("test-project", "tok-123", LogClientOptions{BaseURL: srv.URL})
	entries, err := c.Entries(context.Background(), start, end, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotReq.PageSize != DefaultPageSize {
		t.Errorf("pageSize = %d, want %d", gotReq.PageSize, DefaultPageSize)
	}
	if len(gotReq.ResourceNames) != 1 || gotReq.ResourceNames[0] != "projects/test-project" {
		t.Errorf("resourceNames = %v, want [projects/test-project]", gotReq.ResourceNames)
	}
	for _, frag := range []string{
		`resource.type="http_load_balancer"`,
		`jsonPayload.remoteIp!=""`,
		`timestamp >= "2024-03-01T00:00:00Z"`,
		`timestamp <= "2024-03-02T00:00:00Z"`,
	} {
		if !strings.Contains(gotReq.Filter, frag) {
			t.Errorf("filter %q missing %q", gotReq.Filter, frag)
		}
	}

	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].RemoteIP != "1.2.3.4" || entries[0].URL != "/index.html" || entries[0].UserAgent != "curl/8.0" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	// httpRequest fields back-fill missing jsonPayload fields.
	if entries[1].RemoteIP != "5.6.7.8" || entries[1].URL != "/api/data" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
	// An entry with no IP at all is delivered as-is; the aggregator
	// drops it.
	if entries[2].RemoteIP != "" {
		t.Errorf("entries[2].RemoteIP = %q, want empty", entries[2].RemoteIP)
	}
}

func TestLogClient_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewLogClient("p", "", LogClientOptions{BaseURL: srv.URL})
	if _, err := c.Entries(context.Background(), start, end, 10); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestLogClient_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewLogClient("p", "", LogClientOptions{BaseURL: srv.URL})
	if _, err := c.Entries(ctx, start, end, 10); err == nil {
		t.Error("expected error after context deadline")
	}
}

func TestMetricClient_ListTimeSeries(t *testing.T) {
	var gotQuery map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/projects/test-project/timeSeries" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		// Provider returns samples newest-first with stringly int64s.
		_, _ = w.Write([]byte(`{
			"timeSeries": [{
				"points": [
					{"interval": {"endTime": "2024-03-01T02:00:00Z"}, "value": {"int64Value": "250"}},
					{"interval": {"endTime": "2024-03-01T01:00:00Z"}, "value": {"int64Value": "100"}}
				]
			}]
		}`))
	}))
	defer srv.Close()

	c := NewMetricClient("test-project", "tok", MetricClientOptions{BaseURL: srv.URL})
	points, err := c.ListTimeSeries(context.Background(), series.MetricRequestCount, start, end, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotQuery["aggregation.alignmentPeriod"] != "3600s" {
		t.Errorf("alignmentPeriod = %q, want 3600s", gotQuery["aggregation.alignmentPeriod"])
	}
	if gotQuery["aggregation.perSeriesAligner"] != "ALIGN_SUM" {
		t.Errorf("perSeriesAligner = %q, want ALIGN_SUM", gotQuery["aggregation.perSeriesAligner"])
	}
	if gotQuery["aggregation.crossSeriesReducer"] != "REDUCE_SUM" {
		t.Errorf("crossSeriesReducer = %q, want REDUCE_SUM", gotQuery["aggregation.crossSeriesReducer"])
	}
	if !strings.Contains(gotQuery["filter"], series.MetricRequestCount) {
		t.Errorf("filter = %q, missing metric type", gotQuery["filter"])
	}

	if len(points) != 2 {
		t.Fatalf("len(points) = %d, want 2", len(points))
	}
	// Samples come back ascending.
	if points[0].Value != 100 || points[1].Value != 250 {
		t.Errorf("points = %+v, want ascending 100 then 250", points)
	}
	if !points[0].Timestamp.Before(points[1].Timestamp) {
		t.Error("points not in ascending time order")
	}
}

func TestMetricClient_UnknownMetricIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "metric not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewMetricClient("p", "", MetricClientOptions{BaseURL: srv.URL})
	points, err := c.ListTimeSeries(context.Background(), "nonexistent.metric", start, end, time.Hour)
	if err != nil {
		t.Fatalf("unknown metric should not error, got %v", err)
	}
	if len(points) != 0 {
		t.Errorf("len(points) = %d, want 0", len(points))
	}
}

func TestMetricClient_EmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewMetricClient("p", "", MetricClientOptions{BaseURL: srv.URL})
	points, err := c.ListTimeSeries(context.Background(), series.MetricResponseBytes, start, end, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("len(points) = %d, want 0", len(points))
	}
}

func TestMetricClient_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewMetricClient("p", "", MetricClientOptions{BaseURL: srv.URL})
	if _, err := c.ListTimeSeries(context.Background(), series.MetricRequestCount, start, end, time.Hour); err == nil {
		t.Error("expected error for 500 response")
	}
}
