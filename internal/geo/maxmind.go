package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/koltyakov/visitid/internal/domain"
)

const maxmindConfidence = 85

// MaxMindProvider answers lookups from a local GeoIP2/GeoLite2 City
// database. It is the cheapest provider in the chain when a database file
// is configured, so it should be placed first.
type MaxMindProvider struct {
	reader *geoip2.Reader
}

// OpenMaxMind opens the .mmdb file at path.
func OpenMaxMind(path string) (*MaxMindProvider, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open maxmind db: %w", err)
	}
	return &MaxMindProvider{reader: reader}, nil
}

func (p *MaxMindProvider) Name() string    { return "maxmind" }
func (p *MaxMindProvider) Confidence() int { return maxmindConfidence }

// Lookup resolves ip against the local database. The context is only
// checked for cancellation; the read itself is memory-mapped and fast.
func (p *MaxMindProvider) Lookup(ctx context.Context, ip string) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, &domain.LookupError{Provider: p.Name(), IP: ip, Err: err}
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}, &domain.LookupError{Provider: p.Name(), IP: ip, Err: domain.ErrProviderUnavailable}
	}
	record, err := p.reader.City(parsed)
	if err != nil {
		return Location{}, &domain.LookupError{Provider: p.Name(), IP: ip, Err: err}
	}

	loc := Location{
		Country: record.Country.Names["en"],
		City:    record.City.Names["en"],
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].Names["en"]
	}
	return loc, nil
}

// Close releases the underlying database handle.
func (p *MaxMindProvider) Close() error {
	return p.reader.Close()
}
