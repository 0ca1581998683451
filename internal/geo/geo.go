// Package geo resolves client IPs to countries for log enrichment.
package geo

import (
	"fmt"
	"net/netip"

	"github.com/oschwald/geoip2-golang/v2"
)

// Locator wraps a GeoIP2/GeoLite2 City database. A nil *Locator resolves
// nothing, so callers need not check whether a database was configured.
type Locator struct {
	db *geoip2.Reader
}

// Open loads the database at path. An empty path returns a nil Locator.
func Open(path string) (*Locator, error) {
	if path == "" {
		return nil, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	return &Locator{db: db}, nil
}

// Country returns the ISO country code for ip, or "" if unknown.
func (l *Locator) Country(ip string) string {
	if l == nil || l.db == nil {
		return ""
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	record, err := l.db.City(addr)
	if err != nil {
		return ""
	}
	return record.Country.ISOCode
}

func (l *Locator) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
