package main

import (
	"testing"
	"time"
)

func TestWSURLForPair(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/v1/pairs/p%201/consultant/ws?user_id=alice"},
		{"https://example.com/api/", "wss://example.com/api/v1/pairs/p%201/consultant/ws?user_id=alice"},
	}
	for _, tc := range cases {
		got, err := wsURLForPair(tc.base, "p 1", "alice")
		if err != nil {
			t.Fatalf("wsURLForPair(%q) error = %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("wsURLForPair(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
	if _, err := wsURLForPair("ftp://example.com", "p", "alice"); err == nil {
		t.Fatalf("wsURLForPair(ftp) error = nil, want error")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	samples := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentile(samples, 0.50); got != 5 {
		t.Fatalf("p50 = %v, want 5", got)
	}
	if got := percentile(samples, 0.95); got != 10 {
		t.Fatalf("p95 = %v, want 10", got)
	}
	if got := percentile(samples[:1], 0.95); got != 1 {
		t.Fatalf("single p95 = %v, want 1", got)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if got := summarize(nil); got != "n=0" {
		t.Fatalf("summarize(nil) = %q, want %q", got, "n=0")
	}
}
