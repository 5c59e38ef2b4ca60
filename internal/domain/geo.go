package domain

import "context"

// GeoResolver maps an IP address to a location.
// Returns nil, nil when the address cannot be located.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (*Location, error)
	Close() error
}

// GeoConfig selects and configures the geolocation resolver.
type GeoConfig struct {
	// Type is "static" or "maxmind"
	Type string

	// DatabasePath is the GeoLite2/GeoIP2 City database for "maxmind".
	DatabasePath string

	// StaticFile optionally seeds the static resolver (JSON map of IP or CIDR to location).
	StaticFile string
}
