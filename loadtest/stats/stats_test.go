package stats

import (
	"testing"
	"time"
)

func TestParseMetricLine(t *testing.T) {
	cases := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"nearchat_active_rooms 12", "nearchat_active_rooms", 12, true},
		{`nearchat_pairings_total{strategy="scored"} 7`, "nearchat_pairings_total", 7, true},
		{"nearchat_wait_duration_seconds_sum 3.5", "nearchat_wait_duration_seconds_sum", 3.5, true},
		{`broken{label="x" 1`, "", 0, false},
		{"novalue", "", 0, false},
		{"name notanumber", "", 0, false},
	}

	for _, tc := range cases {
		name, value, ok := parseMetricLine(tc.line)
		if ok != tc.ok || name != tc.name || value != tc.value {
			t.Errorf("parseMetricLine(%q) = %q, %v, %v; expected %q, %v, %v",
				tc.line, name, value, ok, tc.name, tc.value, tc.ok)
		}
	}
}

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	s := Summarize(ds)
	if s.N != 100 {
		t.Errorf("expected n=100, got %d", s.N)
	}
	if s.P50 != 51*time.Millisecond || s.P95 != 95*time.Millisecond || s.P99 != 99*time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("unexpected percentiles %+v", s)
	}
	if s.Avg != 50500*time.Microsecond {
		t.Errorf("expected avg 50.5ms, got %v", s.Avg)
	}

	if got := Summarize(nil); got != (Summary{}) {
		t.Errorf("expected zero summary, got %+v", got)
	}
}
