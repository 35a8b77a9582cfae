package location

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// ErrLookupFailed is returned by a lookup tier that could not produce a
// profile. Callers never surface it to clients.
var ErrLookupFailed = errors.New("location: lookup failed")

// Coordinates is a client-reported position in decimal degrees.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Valid reports whether the coordinates are within the WGS84 range.
func (c Coordinates) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// Query is the input for a location resolution. Coords is nil when the
// client did not share its position.
type Query struct {
	Coords *Coordinates
	IP     string
}

// Lookup is a single resolution tier.
type Lookup interface {
	Lookup(ctx context.Context, q Query) (Profile, error)
}

// Tier identifies which step of the fallback chain produced a profile.
type Tier string

const (
	TierPrecise      Tier = "precise"
	TierCoarse       Tier = "coarse"
	TierUnresolvable Tier = "unresolvable"
)

// Resolver walks the fallback chain: precise lookup from coordinates, then a
// coarse network-address lookup, then the unresolvable profile. It never
// fails.
type Resolver struct {
	precise Lookup
	coarse  Lookup
}

// NewResolver builds a Resolver. Either tier may be nil, in which case it is
// skipped.
func NewResolver(precise, coarse Lookup) *Resolver {
	return &Resolver{precise: precise, coarse: coarse}
}

// Resolve returns the best available profile for q together with the tier
// that produced it.
func (r *Resolver) Resolve(ctx context.Context, q Query) (Profile, Tier) {
	if r.precise != nil && q.Coords != nil {
		p, err := r.precise.Lookup(ctx, q)
		if err == nil {
			return p, TierPrecise
		}
		log.Printf("[geo] reverse geocoding failed, trying IP lookup: %v", err)
	}

	if r.coarse != nil && q.IP != "" {
		p, err := r.coarse.Lookup(ctx, q)
		if err == nil {
			return p, TierCoarse
		}
		log.Printf("[geo] IP lookup failed for %s: %v", q.IP, err)
	}

	return Unresolvable(), TierUnresolvable
}

func lookupErr(tier string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrLookupFailed, tier, err)
}
