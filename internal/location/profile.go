// Package location models the coarse geographic profile attached to every
// chat session and resolves it from client coordinates or network address.
// Lookups degrade tier by tier: reverse geocoding, IP lookup, and finally a
// profile whose country is explicitly unresolvable.
package location

import "fmt"

// UnresolvableCountry is the country recorded when every lookup tier failed.
// It is a known value for scoring purposes, not an unknown one.
const UnresolvableCountry = "Unknown"

// Profile is a hierarchical location. An empty field means "unknown", which
// scores differently from two known values that disagree.
type Profile struct {
	Continent string `json:"continent,omitempty"`
	Country   string `json:"country,omitempty"`
	Region    string `json:"region,omitempty"`   // state / province
	Locality  string `json:"locality,omitempty"` // city / town
	Precise   bool   `json:"precise"`            // derived from coordinates, not a coarser fallback
}

// Unresolvable returns the profile used when no lookup tier produced a result.
func Unresolvable() Profile {
	return Profile{Country: UnresolvableCountry}
}

// IsUnknown reports whether no field of the profile is known.
func (p Profile) IsUnknown() bool {
	return p.Continent == "" && p.Country == "" && p.Region == "" && p.Locality == ""
}

func (p Profile) String() string {
	return fmt.Sprintf("%s/%s/%s/%s precise=%v",
		orDash(p.Continent), orDash(p.Country), orDash(p.Region), orDash(p.Locality), p.Precise)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
