// Package upstream holds the read-only clients for the telemetry
// provider: access-log entries from the logging service and aligned
// time series from the monitoring service. Both clients respect the
// request context deadline and never cache.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mogi-io/cdnstat/internal/analytics"
)

const defaultLoggingBaseURL = "https://logging.googleapis.com"

// DefaultPageSize bounds a single log fetch. The design assumes one
// bounded page per request, not unbounded pagination.
const DefaultPageSize = 500

// LogClient reads load-balancer access logs from the logging service.
type LogClient struct {
	baseURL   string
	projectID string
	token     string
	client    *http.Client
}

// LogClientOptions configures a LogClient. Zero values select the
// production endpoint and a default HTTP client.
type LogClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewLogClient returns a client for the given project, authenticating
// with the given bearer token.
func NewLogClient(projectID, token string, opts LogClientOptions) *LogClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultLoggingBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &LogClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		projectID: projectID,
		token:     token,
		client:    client,
	}
}

type listEntriesRequest struct {
	ResourceNames []string `json:"resourceNames"`
	Filter        string   `json:"filter"`
	PageSize      int      `json:"pageSize"`
	OrderBy       string   `json:"orderBy,omitempty"`
}

type listEntriesResponse struct {
	Entries []logEntry `json:"entries"`
}

type logEntry struct {
	Timestamp   time.Time   `json:"timestamp"`
	JSONPayload logPayload  `json:"jsonPayload"`
	HTTPRequest httpRequest `json:"httpRequest"`
}

type logPayload struct {
	RemoteIP   string `json:"remoteIp"`
	RequestURL string `json:"requestUrl"`
}

type httpRequest struct {
	RemoteIP   string `json:"remoteIp"`
	RequestURL string `json:"requestUrl"`
	UserAgent  string `json:"userAgent"`
}

// entriesFilter encodes the inclusive timestamp range and excludes
// entries with no remote IP at the source.
func entriesFilter(start, end time.Time) string {
	return fmt.Sprintf(
		`resource.type="http_load_balancer" jsonPayload.remoteIp!="" timestamp >= %q timestamp <= %q`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
	)
}

// Entries fetches one bounded page of access-log entries for the
// inclusive window [start, end]. pageSize <= 0 selects DefaultPageSize.
func (c *LogClient) Entries(ctx context.Context, start, end time.Time, pageSize int) ([]analytics.LogEntry, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	body, err := json.Marshal(listEntriesRequest{
		ResourceNames: []string{"projects/" + c.projectID},
		Filter:        entriesFilter(start, end),
		PageSize:      pageSize,
		OrderBy:       "timestamp asc",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/entries:list", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("list log entries: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed listEntriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode log entries: %w", err)
	}

	out := make([]analytics.LogEntry, 0, len(parsed.Entries))
	for _, e := range parsed.Entries {
		ip := e.JSONPayload.RemoteIP
		if ip == "" {
			ip = e.HTTPRequest.RemoteIP
		}
		url := e.JSONPayload.RequestURL
		if url == "" {
			url = e.HTTPRequest.RequestURL
		}
		out = append(out, analytics.LogEntry{
			RemoteIP:  ip,
			Timestamp: e.Timestamp,
			URL:       url,
			UserAgent: e.HTTPRequest.UserAgent,
		})
	}
	return out, nil
}
