// Package geo enriches registered records with location attributes from a
// MaxMind GeoLite2 database.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"

	"github.com/vvidic/simple-lookup-service/internal/record"
)

// cityResult is the subset of the GeoLite2-City schema we read.
type cityResult struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// Resolver looks up client addresses in a GeoLite2 database. A nil Resolver
// is valid and enriches nothing, so callers need no feature flag.
type Resolver struct {
	reader *maxminddb.Reader
}

// Open loads the database at path. An empty path returns a nil Resolver.
func Open(path string) (*Resolver, error) {
	if path == "" {
		return nil, nil
	}
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geo: open %s: %w", path, err)
	}
	return &Resolver{reader: reader}, nil
}

// Enrich adds location keys to rec from the registrant's address. Keys the
// registrant already set are left alone. remoteAddr may carry a port.
func (r *Resolver) Enrich(rec record.Record, remoteAddr string) {
	if r == nil || r.reader == nil {
		return
	}

	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return
	}

	var res cityResult
	if err := r.reader.Lookup(ip, &res); err != nil {
		return
	}

	setIfAbsent := func(key, val string) {
		if val == "" {
			return
		}
		if _, ok := rec[key]; !ok {
			rec[key] = val
		}
	}
	setIfAbsent("location-country", res.Country.ISOCode)
	setIfAbsent("location-city", res.City.Names["en"])
	if res.Location.Latitude != 0 || res.Location.Longitude != 0 {
		if _, ok := rec["location-latitude"]; !ok {
			rec["location-latitude"] = res.Location.Latitude
		}
		if _, ok := rec["location-longitude"]; !ok {
			rec["location-longitude"] = res.Location.Longitude
		}
	}
}

// Close releases the database handle. Safe on a nil Resolver.
func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
