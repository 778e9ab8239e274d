// Package analytics turns a batch of raw access-log entries into the
// ranked aggregates shown on the dashboard: top client IPs with their
// most-requested URL, top visitor countries, top browser families, and
// an hourly request series.
package analytics

import (
	"fmt"
	"sort"
	"time"

	"github.com/mssola/useragent"

	"github.com/mogi-io/cdnstat/internal/geo"
)

// unknownURL is the sentinel assigned when an entry carries no request
// URL; such entries still count toward the per-IP URL ranking.
const unknownURL = "unknown"

// LogEntry is one access event delivered by the log source. RemoteIP
// may be empty; such entries are dropped before aggregation but still
// counted in TotalEntries.
type LogEntry struct {
	RemoteIP  string
	Timestamp time.Time
	URL       string
	UserAgent string
}

// Resolver answers IP-to-location lookups. A nil location means the
// address could not be resolved and is not an error.
type Resolver interface {
	Resolve(ip string) *geo.Location
}

// IPStat is one ranked client IP.
type IPStat struct {
	IP       string
	Count    int64
	TopURL   string
	Region   string
	Location *geo.Location
}

// CountryStat is one ranked visitor country (ISO code).
type CountryStat struct {
	Country string
	Count   int64
}

// BrowserStat is one ranked browser family.
type BrowserStat struct {
	Browser string
	Count   int64
}

// TimeBucket is the request count for one hour, keyed by the hour start.
type TimeBucket struct {
	Start    time.Time
	Requests int64
}

// Report is the full aggregation result for one batch.
type Report struct {
	TopIPs       []IPStat
	TopCountries []CountryStat
	TopBrowsers  []BrowserStat
	Series       []TimeBucket
	TotalEntries int64
}

// Aggregator computes per-batch traffic aggregates. It holds no state
// across calls; every Aggregate starts from empty counters.
type Aggregator struct {
	geo Resolver
}

// New returns an Aggregator using the given resolver. A nil resolver
// disables geo enrichment: every IP reports a nil location.
func New(resolver Resolver) *Aggregator {
	return &Aggregator{geo: resolver}
}

// urlTally tracks per-URL counts for one IP, preserving first-seen
// order so that top-URL ties resolve to the earliest URL.
type urlTally struct {
	counts map[string]int64
	order  []string
}

func (t *urlTally) add(url string) {
	if _, seen := t.counts[url]; !seen {
		t.order = append(t.order, url)
	}
	t.counts[url]++
}

func (t *urlTally) top() string {
	var best string
	var bestCount int64 = -1
	for _, url := range t.order {
		if t.counts[url] > bestCount {
			best = url
			bestCount = t.counts[url]
		}
	}
	if best == "" {
		return unknownURL
	}
	return best
}

// Aggregate runs a single pass over entries and returns the ranked
// report truncated to topN. Geo lookups are memoized per distinct IP,
// so the resolver is called at most once per unique address in the
// batch. topN must be positive.
func (a *Aggregator) Aggregate(entries []LogEntry, topN int) (Report, error) {
	if topN <= 0 {
		return Report{}, fmt.Errorf("analytics: top-n limit must be positive, got %d", topN)
	}

	ipCounts := make(map[string]int64)
	urlsPerIP := make(map[string]*urlTally)
	countryCounts := make(map[string]int64)
	browserCounts := make(map[string]int64)
	buckets := make(map[time.Time]int64)

	// One resolver call per distinct IP; the memo also remembers
	// lookups that came back nil.
	geoMemo := make(map[string]*geo.Location)
	resolve := func(ip string) *geo.Location {
		if loc, seen := geoMemo[ip]; seen {
			return loc
		}
		var loc *geo.Location
		if a.geo != nil {
			loc = a.geo.Resolve(ip)
		}
		geoMemo[ip] = loc
		return loc
	}
	browserMemo := make(map[string]string)

	for _, entry := range entries {
		if entry.RemoteIP == "" {
			continue
		}

		ipCounts[entry.RemoteIP]++
		buckets[entry.Timestamp.UTC().Truncate(time.Hour)]++

		url := entry.URL
		if url == "" {
			url = unknownURL
		}
		tally, ok := urlsPerIP[entry.RemoteIP]
		if !ok {
			tally = &urlTally{counts: make(map[string]int64)}
			urlsPerIP[entry.RemoteIP] = tally
		}
		tally.add(url)

		if loc := resolve(entry.RemoteIP); loc != nil && loc.Country != "" {
			countryCounts[loc.Country]++
		}

		if entry.UserAgent != "" {
			name, seen := browserMemo[entry.UserAgent]
			if !seen {
				name = browserFamily(entry.UserAgent)
				browserMemo[entry.UserAgent] = name
			}
			if name != "" {
				browserCounts[name]++
			}
		}
	}

	report := Report{
		TotalEntries: int64(len(entries)),
		TopIPs:       rankIPs(ipCounts, urlsPerIP, topN, resolve),
		TopCountries: rankCountries(countryCounts, topN),
		TopBrowsers:  rankBrowsers(browserCounts, topN),
		Series:       sortBuckets(buckets),
	}
	return report, nil
}

func rankIPs(counts map[string]int64, urls map[string]*urlTally, topN int, resolve func(string) *geo.Location) []IPStat {
	ips := make([]string, 0, len(counts))
	for ip := range counts {
		ips = append(ips, ip)
	}
	sort.Slice(ips, func(i, j int) bool {
		if counts[ips[i]] != counts[ips[j]] {
			return counts[ips[i]] > counts[ips[j]]
		}
		return ips[i] < ips[j]
	})
	if len(ips) > topN {
		ips = ips[:topN]
	}

	stats := make([]IPStat, 0, len(ips))
	for _, ip := range ips {
		loc := resolve(ip)
		stats = append(stats, IPStat{
			IP:       ip,
			Count:    counts[ip],
			TopURL:   urls[ip].top(),
			Region:   loc.RegionLabel(),
			Location: loc,
		})
	}
	return stats
}

func rankCountries(counts map[string]int64, topN int) []CountryStat {
	stats := make([]CountryStat, 0, len(counts))
	for code, count := range counts {
		stats = append(stats, CountryStat{Country: code, Count: count})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Country < stats[j].Country
	})
	if len(stats) > topN {
		stats = stats[:topN]
	}
	return stats
}

func rankBrowsers(counts map[string]int64, topN int) []BrowserStat {
	stats := make([]BrowserStat, 0, len(counts))
	for name, count := range counts {
		stats = append(stats, BrowserStat{Browser: name, Count: count})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Browser < stats[j].Browser
	})
	if len(stats) > topN {
		stats = stats[:topN]
	}
	return stats
}

func sortBuckets(buckets map[time.Time]int64) []TimeBucket {
	series := make([]TimeBucket, 0, len(buckets))
	for start, count := range buckets {
		series = append(series, TimeBucket{Start: start, Requests: count})
	}
	sort.Slice(series, func(i, j int) bool {
		return series[i].Start.Before(series[j].Start)
	})
	return series
}

// browserFamily extracts the browser (or bot) name from a raw
// User-Agent string.
func browserFamily(raw string) string {
	ua := useragent.New(raw)
	if ua.Bot() {
		name, _ := ua.Browser()
		if name != "" {
			return name
		}
		return "Bot"
	}
	name, _ := ua.Browser()
	return name
}
