// Package geo resolves IP addresses to locations.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/opensource-finance/linklock/internal/domain"
	"github.com/oschwald/geoip2-golang"
)

const earthRadiusKm = 6371.0

// New creates a resolver based on configuration.
func New(cfg domain.GeoConfig) (domain.GeoResolver, error) {
	switch cfg.Type {
	case "", "static":
		r := NewStaticResolver()
		if cfg.StaticFile != "" {
			if err := r.LoadFile(cfg.StaticFile); err != nil {
				return nil, err
			}
		}
		return r, nil

	case "maxmind":
		return NewMaxMindResolver(cfg.DatabasePath)

	default:
		return nil, fmt.Errorf("unsupported geo resolver type: %s", cfg.Type)
	}
}

// DistanceKm is the great-circle distance between two locations.
func DistanceKm(a, b *domain.Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// isPublic reports whether ip can be geolocated.
func isPublic(ip net.IP) bool {
	return ip != nil && !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified() &&
		!ip.IsLinkLocalUnicast() && !ip.IsMulticast()
}

// MaxMindResolver looks addresses up in a GeoLite2/GeoIP2 City database.
type MaxMindResolver struct {
	db *geoip2.Reader
}

// NewMaxMindResolver opens the database at path.
func NewMaxMindResolver(path string) (*MaxMindResolver, error) {
	if path == "" {
		return nil, fmt.Errorf("geoip database path is required")
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &MaxMindResolver{db: db}, nil
}

// Resolve returns nil, nil for private or unknown addresses.
func (r *MaxMindResolver) Resolve(ctx context.Context, ip string) (*domain.Location, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if !isPublic(parsed) {
		return nil, nil
	}

	rec, err := r.db.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", ip, err)
	}
	if rec.Location.Latitude == 0 && rec.Location.Longitude == 0 && rec.Country.IsoCode == "" {
		return nil, nil
	}

	return &domain.Location{
		Country:   rec.Country.Names["en"],
		City:      rec.City.Names["en"],
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
	}, nil
}

// Close releases the database.
func (r *MaxMindResolver) Close() error {
	return r.db.Close()
}

// StaticResolver maps exact IPs or CIDR ranges to fixed locations.
// Used in the Community tier and in tests.
type StaticResolver struct {
	mu       sync.RWMutex
	exact    map[string]*domain.Location
	networks []staticNetwork
}

type staticNetwork struct {
	net *net.IPNet
	loc *domain.Location
}

// NewStaticResolver creates an empty static resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{exact: make(map[string]*domain.Location)}
}

// Add maps an IP address or CIDR range to a location.
func (r *StaticResolver) Add(ipOrCIDR string, loc domain.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := loc
	if strings.Contains(ipOrCIDR, "/") {
		_, n, err := net.ParseCIDR(ipOrCIDR)
		if err != nil {
			return fmt.Errorf("invalid CIDR %s: %w", ipOrCIDR, err)
		}
		r.networks = append(r.networks, staticNetwork{net: n, loc: &l})
		return nil
	}

	ip := net.ParseIP(ipOrCIDR)
	if ip == nil {
		return fmt.Errorf("invalid IP %s", ipOrCIDR)
	}
	r.exact[ip.String()] = &l
	return nil
}

// LoadFile reads a JSON object mapping IPs or CIDRs to locations.
func (r *StaticResolver) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read geo file: %w", err)
	}

	var entries map[string]domain.Location
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse geo file: %w", err)
	}
	for k, loc := range entries {
		if err := r.Add(k, loc); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the mapped location, or nil, nil when none matches.
func (r *StaticResolver) Resolve(ctx context.Context, ip string) (*domain.Location, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if loc, ok := r.exact[parsed.String()]; ok {
		out := *loc
		return &out, nil
	}
	for _, n := range r.networks {
		if n.net.Contains(parsed) {
			out := *n.loc
			return &out, nil
		}
	}
	return nil, nil
}

// Close is a no-op.
func (r *StaticResolver) Close() error {
	return nil
}
