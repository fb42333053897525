// Package geoip implements the country-code oracle consulted while parsing
// offense lines (spec §3, §4.1). The lookup table/database format itself is
// an external collaborator; this package only adapts it into the two-letter
// code the cache record wants.
package geoip

import (
	"net"

	"github.com/oschwald/maxminddb-golang"
	"github.com/rs/zerolog"
)

// Oracle resolves an IP address to its ISO country code. A nil *Oracle (or
// one built against a database path that failed to open) always resolves to
// the empty string, matching spec §3's "either empty or exactly two
// uppercase letters".
type Oracle struct {
	logger zerolog.Logger
	reader *maxminddb.Reader
}

// Open loads a MaxMind GeoLite2-Country (or City) database. An empty path is
// not an error: it yields an Oracle that always returns "".
func Open(logger zerolog.Logger, path string) (*Oracle, error) {
	if path == "" {
		return &Oracle{logger: logger}, nil
	}

	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}

	return &Oracle{logger: logger, reader: reader}, nil
}

// Close releases the underlying database file, if one was opened.
func (o *Oracle) Close() error {
	if o == nil || o.reader == nil {
		return nil
	}
	return o.reader.Close()
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Lookup returns the two-letter ISO country code for addr, or "" if no
// database is loaded, the address fails to parse, or it has no match.
func (o *Oracle) Lookup(addr string) string {
	if o == nil || o.reader == nil {
		return ""
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}

	var rec countryRecord
	if err := o.reader.Lookup(ip, &rec); err != nil {
		o.logger.Debug().Err(err).Str("addr", addr).Msg("geoip lookup failed")
		return ""
	}

	return rec.Country.ISOCode
}
