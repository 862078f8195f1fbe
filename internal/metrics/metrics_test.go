package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if batchEventsTotal == nil || pagesTotal == nil || candidatesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservePageCountsStubs(t *testing.T) {
	before := testutil.ToFloat64(stubsCounter("pages.example"))
	ObservePage("https://pages.example/search.php?page=1", "ok", 3)
	ObservePage("https://pages.example/search.php?page=2", "empty", 0)

	if got := testutil.ToFloat64(stubsCounter("pages.example")) - before; got != 3 {
		t.Errorf("expected 3 stubs, got %f", got)
	}
	if got := testutil.ToFloat64(pagesTotal.WithLabelValues("pages.example", "empty")); got < 1 {
		t.Errorf("expected an empty page observation, got %f", got)
	}
}

func TestObserveCandidateAndRecord(t *testing.T) {
	ObserveCandidate("skipped-test")
	ObserveRecord("flagged-test")
	ObserveRetry("navigate-test")
	ObserveRateLimitDelay("limits.example", 250*time.Millisecond)

	if got := testutil.ToFloat64(candidatesTotal.WithLabelValues("skipped-test")); got != 1 {
		t.Errorf("expected 1 skipped candidate, got %f", got)
	}
	if got := testutil.ToFloat64(recordsTotal.WithLabelValues("flagged-test")); got != 1 {
		t.Errorf("expected 1 flagged record, got %f", got)
	}
	if got := testutil.ToFloat64(retriesTotal.WithLabelValues("navigate-test")); got != 1 {
		t.Errorf("expected 1 retry, got %f", got)
	}
}

func TestActiveWorkersGauge(t *testing.T) {
	IncActiveWorkers("gauge-test")
	IncActiveWorkers("gauge-test")
	DecActiveWorkers("gauge-test")

	if got := testutil.ToFloat64(activeWorkers.WithLabelValues("gauge-test")); got != 1 {
		t.Errorf("expected 1 active worker, got %f", got)
	}
}

func TestObserveLoopExit(t *testing.T) {
	ObserveLoopExit("loop-test", "error")

	if got := testutil.ToFloat64(loopExitsTotal.WithLabelValues("loop-test", "error")); got != 1 {
		t.Errorf("expected 1 loop exit, got %f", got)
	}
}

func stubsCounter(host string) prometheus.Counter {
	Init()
	return stubsTotal.WithLabelValues(host)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
