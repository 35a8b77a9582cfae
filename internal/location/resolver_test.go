package location

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newGeocodeServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestReverseGeocoder_Lookup(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"continent":"Europe","countryName":"France","principalSubdivision":"Île-de-France","city":"Paris"}`))
	}))
	defer srv.Close()

	g := NewReverseGeocoder(srv.URL, srv.Client())
	p, err := g.Lookup(context.Background(), Query{Coords: &Coordinates{Latitude: 48.8566, Longitude: 2.3522}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := Profile{Continent: "Europe", Country: "France", Region: "Île-de-France", Locality: "Paris", Precise: true}
	if p != want {
		t.Errorf("expected %+v, got %+v", want, p)
	}
	if gotQuery != "latitude=48.8566&localityLanguage=en&longitude=2.3522" {
		t.Errorf("unexpected query string %q", gotQuery)
	}
}

func TestReverseGeocoder_FallbackFieldNames(t *testing.T) {
	srv, _ := newGeocodeServer(t, http.StatusOK, `{"country":"Japan","state":"Tokyo","locality":"Shibuya"}`)

	p, err := NewReverseGeocoder(srv.URL, srv.Client()).Lookup(context.Background(), Query{Coords: &Coordinates{35.66, 139.70}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Country != "Japan" || p.Region != "Tokyo" || p.Locality != "Shibuya" || p.Continent != "" {
		t.Errorf("unexpected profile %+v", p)
	}
}

func TestReverseGeocoder_Errors(t *testing.T) {
	srv, hits := newGeocodeServer(t, http.StatusInternalServerError, `{}`)
	g := NewReverseGeocoder(srv.URL, srv.Client())

	tests := []struct {
		name string
		q    Query
	}{
		{"no coordinates", Query{}},
		{"out of range", Query{Coords: &Coordinates{Latitude: 91, Longitude: 0}}},
		{"server error", Query{Coords: &Coordinates{Latitude: 1, Longitude: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Lookup(context.Background(), tt.q)
			if !errors.Is(err, ErrLookupFailed) {
				t.Errorf("expected ErrLookupFailed, got %v", err)
			}
		})
	}
	if atomic.LoadInt32(hits) != 1 {
		t.Errorf("expected only the valid query to reach the API, got %d requests", *hits)
	}
}

func TestLookups_EmptyResultFallsThrough(t *testing.T) {
	srv, _ := newGeocodeServer(t, http.StatusOK, `{"continent":"","countryName":"","city":""}`)
	g := NewReverseGeocoder(srv.URL, srv.Client())
	l := NewIPLocator(srv.URL, srv.Client())

	if _, err := g.Lookup(context.Background(), Query{Coords: &Coordinates{Latitude: 0, Longitude: -30}}); !errors.Is(err, ErrLookupFailed) {
		t.Errorf("expected ErrLookupFailed for an empty reverse geocode, got %v", err)
	}
	if _, err := l.Lookup(context.Background(), Query{IP: "8.8.8.8"}); !errors.Is(err, ErrLookupFailed) {
		t.Errorf("expected ErrLookupFailed for an empty IP lookup, got %v", err)
	}

	coarse := Profile{Country: "Portugal"}
	r := NewResolver(g, &stubLookup{profile: coarse})
	p, tier := r.Resolve(context.Background(), Query{Coords: &Coordinates{Latitude: 0, Longitude: -30}, IP: "8.8.8.8"})
	if tier != TierCoarse || p != coarse {
		t.Errorf("expected coarse tier after an empty precise result, got %+v (%s)", p, tier)
	}
}

func TestIPLocator_Lookup(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"country_name":"Germany","region":"Berlin","city":"Berlin","continent_code":"EU"}`))
	}))
	defer srv.Close()

	p, err := NewIPLocator(srv.URL, srv.Client()).Lookup(context.Background(), Query{IP: "8.8.8.8"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Profile{Country: "Germany", Region: "Berlin", Locality: "Berlin"}
	if p != want {
		t.Errorf("expected %+v, got %+v", want, p)
	}
	if gotPath != "/8.8.8.8/json/" {
		t.Errorf("unexpected request path %q", gotPath)
	}
}

func TestIPLocator_RejectsNonRoutable(t *testing.T) {
	srv, hits := newGeocodeServer(t, http.StatusOK, `{"country_name":"Nowhere"}`)
	l := NewIPLocator(srv.URL, srv.Client())

	for _, ip := range []string{"", "not-an-ip", "127.0.0.1", "10.1.2.3", "192.168.0.10", "::1"} {
		if _, err := l.Lookup(context.Background(), Query{IP: ip}); !errors.Is(err, ErrLookupFailed) {
			t.Errorf("ip %q: expected ErrLookupFailed, got %v", ip, err)
		}
	}
	if atomic.LoadInt32(hits) != 0 {
		t.Errorf("expected no API requests, got %d", *hits)
	}
}

func TestIPLocator_APIErrorBody(t *testing.T) {
	srv, _ := newGeocodeServer(t, http.StatusOK, `{"error":true,"reason":"RateLimited"}`)
	if _, err := NewIPLocator(srv.URL, srv.Client()).Lookup(context.Background(), Query{IP: "1.1.1.1"}); !errors.Is(err, ErrLookupFailed) {
		t.Errorf("expected ErrLookupFailed, got %v", err)
	}
}

type stubLookup struct {
	profile Profile
	err     error
	calls   int
}

func (s *stubLookup) Lookup(ctx context.Context, q Query) (Profile, error) {
	s.calls++
	return s.profile, s.err
}

func TestResolver_FallbackChain(t *testing.T) {
	precise := Profile{Continent: "Europe", Country: "France", Precise: true}
	coarse := Profile{Country: "France", Region: "Bretagne"}
	fail := errors.New("boom")
	coords := &Coordinates{Latitude: 48, Longitude: 2}

	tests := []struct {
		name        string
		precise     *stubLookup
		coarse      *stubLookup
		q           Query
		wantProfile Profile
		wantTier    Tier
	}{
		{"precise succeeds", &stubLookup{profile: precise}, &stubLookup{profile: coarse}, Query{Coords: coords, IP: "1.1.1.1"}, precise, TierPrecise},
		{"precise fails", &stubLookup{err: fail}, &stubLookup{profile: coarse}, Query{Coords: coords, IP: "1.1.1.1"}, coarse, TierCoarse},
		{"no coordinates", &stubLookup{profile: precise}, &stubLookup{profile: coarse}, Query{IP: "1.1.1.1"}, coarse, TierCoarse},
		{"both fail", &stubLookup{err: fail}, &stubLookup{err: fail}, Query{Coords: coords, IP: "1.1.1.1"}, Unresolvable(), TierUnresolvable},
		{"nothing to look up", &stubLookup{profile: precise}, &stubLookup{profile: coarse}, Query{}, Unresolvable(), TierUnresolvable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.precise, tt.coarse)
			p, tier := r.Resolve(context.Background(), tt.q)
			if p != tt.wantProfile {
				t.Errorf("expected profile %+v, got %+v", tt.wantProfile, p)
			}
			if tier != tt.wantTier {
				t.Errorf("expected tier %s, got %s", tt.wantTier, tier)
			}
		})
	}
}

func TestResolver_NilTiers(t *testing.T) {
	p, tier := NewResolver(nil, nil).Resolve(context.Background(), Query{Coords: &Coordinates{}, IP: "1.1.1.1"})
	if tier != TierUnresolvable || p != Unresolvable() {
		t.Errorf("expected unresolvable profile, got %+v (%s)", p, tier)
	}
}

func TestResolver_HonoursContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	r := NewResolver(NewReverseGeocoder(srv.URL, srv.Client()), NewIPLocator(srv.URL, srv.Client()))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	p, tier := r.Resolve(ctx, Query{Coords: &Coordinates{1, 1}, IP: "1.1.1.1"})
	if tier != TierUnresolvable || p != Unresolvable() {
		t.Errorf("expected unresolvable fallback on timeout, got %+v (%s)", p, tier)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("resolve did not respect the deadline, took %v", elapsed)
	}
}

func TestCacheKeys(t *testing.T) {
	if _, ok := CoordinateKey(Query{}); ok {
		t.Error("expected no key without coordinates")
	}
	a, _ := CoordinateKey(Query{Coords: &Coordinates{48.85661, 2.35221}})
	b, _ := CoordinateKey(Query{Coords: &Coordinates{48.85449, 2.35489}})
	if a != b {
		t.Errorf("expected nearby coordinates to share a key, got %q and %q", a, b)
	}
	if k, ok := IPKey(Query{IP: "8.8.8.8"}); !ok || k != "ip:8.8.8.8" {
		t.Errorf("unexpected ip key %q", k)
	}
}

func TestCachedLookup_WithoutCacheDelegates(t *testing.T) {
	inner := &stubLookup{profile: Profile{Country: "Peru"}}
	l := NewCachedLookup(inner, nil, IPKey)
	for i := 0; i < 2; i++ {
		if _, err := l.Lookup(context.Background(), Query{IP: "1.1.1.1"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if inner.calls != 2 {
		t.Errorf("expected 2 inner calls without a cache, got %d", inner.calls)
	}
}

// setupTestCache creates a Cache connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestCache(t *testing.T) *Cache {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})
	return NewCache(rdb, time.Minute)
}

func TestCachedLookup_MemoizesSuccess(t *testing.T) {
	cache := setupTestCache(t)
	inner := &stubLookup{profile: Profile{Country: "Peru", Region: "Lima"}}
	l := NewCachedLookup(inner, cache, IPKey)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := l.Lookup(ctx, Query{IP: "1.1.1.1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Country != "Peru" || p.Region != "Lima" {
			t.Errorf("unexpected profile %+v", p)
		}
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 inner call, got %d", inner.calls)
	}
}

func TestCachedLookup_DoesNotCacheFailures(t *testing.T) {
	cache := setupTestCache(t)
	inner := &stubLookup{err: ErrLookupFailed}
	l := NewCachedLookup(inner, cache, IPKey)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.Lookup(ctx, Query{IP: "1.1.1.1"}); err == nil {
			t.Fatal("expected error")
		}
	}
	if inner.calls != 2 {
		t.Errorf("expected failures to bypass the cache, got %d inner calls", inner.calls)
	}
	if _, hit := cache.Get(ctx, "ip:1.1.1.1"); hit {
		t.Error("failure was cached")
	}
}
