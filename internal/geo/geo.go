// Package geo maps client IP addresses to locations using a local
// MaxMind database. The dataset is opened once at startup and never
// written afterwards, so a single Resolver is safe for any number of
// concurrent readers.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Location is the resolved geography for an IP address. Country is the
// ISO 3166-1 code.
type Location struct {
	City    string  `json:"city,omitempty"`
	Region  string  `json:"region,omitempty"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// RegionLabel renders the "City, CC" display string used in the top-IP list.
func (l *Location) RegionLabel() string {
	if l == nil {
		return "Unknown"
	}
	place := l.City
	if place == "" {
		place = l.Region
	}
	switch {
	case place != "" && l.Country != "":
		return place + ", " + l.Country
	case place != "":
		return place
	case l.Country != "":
		return l.Country
	default:
		return "Unknown"
	}
}

// Resolver answers geo lookups against an immutable mmdb dataset.
type Resolver struct {
	db *maxminddb.Reader
}

// Open loads the MaxMind database at path. An empty path returns a nil
// Resolver, which resolves every IP to nil.
func Open(path string) (*Resolver, error) {
	if path == "" {
		return nil, nil
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geo database: %w", err)
	}
	return &Resolver{db: db}, nil
}

// Close releases the underlying database.
func (r *Resolver) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Resolve returns the location for ip, or nil when the address is
// malformed, private/reserved, or absent from the dataset. A nil result
// is not an error; callers treat it as "location unknown".
func (r *Resolver) Resolve(ip string) *Location {
	if r == nil || ip == "" {
		return nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil || !routable(parsed) {
		return nil
	}
	if r.db == nil {
		return nil
	}

	var record struct {
		City struct {
			Names map[string]string `maxminddb:"names"`
		} `maxminddb:"city"`
		Subdivisions []struct {
			Names map[string]string `maxminddb:"names"`
		} `maxminddb:"subdivisions"`
		Country struct {
			ISO string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
		Location struct {
			Lat float64 `maxminddb:"latitude"`
			Lon float64 `maxminddb:"longitude"`
		} `maxminddb:"location"`
	}
	if err := r.db.Lookup(parsed, &record); err != nil {
		return nil
	}
	if record.Country.ISO == "" && record.City.Names["en"] == "" {
		return nil
	}

	loc := &Location{
		City:    record.City.Names["en"],
		Country: record.Country.ISO,
		Lat:     record.Location.Lat,
		Lon:     record.Location.Lon,
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].Names["en"]
	}
	return loc
}

func routable(ip net.IP) bool {
	return !(ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast())
}
