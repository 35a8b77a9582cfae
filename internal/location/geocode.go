package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	// DefaultReverseGeocodeURL is the BigDataCloud client-side reverse
	// geocoding endpoint.
	DefaultReverseGeocodeURL = "https://api.bigdatacloud.net/data/reverse-geocode-client"

	// DefaultIPLookupURL is the ipapi.co base URL; the address and "/json/"
	// are appended per request.
	DefaultIPLookupURL = "https://ipapi.co"

	maxResponseBytes = 64 << 10
)

// ReverseGeocoder resolves coordinates through a BigDataCloud-compatible
// reverse geocoding API. Profiles it returns are marked Precise.
type ReverseGeocoder struct {
	baseURL string
	client  *http.Client
}

// NewReverseGeocoder creates a ReverseGeocoder. A nil client uses a client
// with a 5 second timeout.
func NewReverseGeocoder(baseURL string, client *http.Client) *ReverseGeocoder {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &ReverseGeocoder{baseURL: baseURL, client: client}
}

type reverseGeocodeResponse struct {
	Continent            string `json:"continent"`
	CountryName          string `json:"countryName"`
	Country              string `json:"country"`
	PrincipalSubdivision string `json:"principalSubdivision"`
	State                string `json:"state"`
	City                 string `json:"city"`
	Locality             string `json:"locality"`
}

// Lookup implements Lookup.
func (g *ReverseGeocoder) Lookup(ctx context.Context, q Query) (Profile, error) {
	if q.Coords == nil {
		return Profile{}, lookupErr("reverse geocode", errors.New("no coordinates"))
	}
	if !q.Coords.Valid() {
		return Profile{}, lookupErr("reverse geocode", fmt.Errorf("coordinates out of range: %v,%v", q.Coords.Latitude, q.Coords.Longitude))
	}

	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(q.Coords.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(q.Coords.Longitude, 'f', -1, 64))
	params.Set("localityLanguage", "en")

	var resp reverseGeocodeResponse
	if err := getJSON(ctx, g.client, g.baseURL+"?"+params.Encode(), &resp); err != nil {
		return Profile{}, lookupErr("reverse geocode", err)
	}

	p := Profile{
		Continent: resp.Continent,
		Country:   firstNonEmpty(resp.CountryName, resp.Country),
		Region:    firstNonEmpty(resp.PrincipalSubdivision, resp.State),
		Locality:  firstNonEmpty(resp.City, resp.Locality),
		Precise:   true,
	}
	// Open sea and polar coordinates resolve to nothing.
	if p.IsUnknown() {
		return Profile{}, lookupErr("reverse geocode", errors.New("empty result"))
	}
	return p, nil
}

// IPLocator resolves a client network address through an ipapi.co-compatible
// API. The continent is left unknown because the API reports continent codes
// that never equal the reverse geocoder's continent names.
type IPLocator struct {
	baseURL string
	client  *http.Client
}

// NewIPLocator creates an IPLocator. A nil client uses a client with a 5
// second timeout.
func NewIPLocator(baseURL string, client *http.Client) *IPLocator {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &IPLocator{baseURL: baseURL, client: client}
}

type ipLookupResponse struct {
	CountryName string `json:"country_name"`
	Region      string `json:"region"`
	City        string `json:"city"`
	Error       bool   `json:"error"`
	Reason      string `json:"reason"`
}

// Lookup implements Lookup.
func (l *IPLocator) Lookup(ctx context.Context, q Query) (Profile, error) {
	ip := net.ParseIP(q.IP)
	if ip == nil {
		return Profile{}, lookupErr("ip lookup", fmt.Errorf("invalid address %q", q.IP))
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
		return Profile{}, lookupErr("ip lookup", fmt.Errorf("non-routable address %s", ip))
	}

	var resp ipLookupResponse
	if err := getJSON(ctx, l.client, l.baseURL+"/"+ip.String()+"/json/", &resp); err != nil {
		return Profile{}, lookupErr("ip lookup", err)
	}
	if resp.Error {
		return Profile{}, lookupErr("ip lookup", errors.New(resp.Reason))
	}

	p := Profile{
		Country:  resp.CountryName,
		Region:   resp.Region,
		Locality: resp.City,
	}
	if p.IsUnknown() {
		return Profile{}, lookupErr("ip lookup", errors.New("empty result"))
	}
	return p, nil
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
