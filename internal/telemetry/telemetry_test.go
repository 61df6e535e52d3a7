package telemetry

import (
	"context"
	"testing"
)

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDisabledProviderFallsBackToGlobalMeter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "Staging"

	provider, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if provider.Enabled() {
		t.Fatalf("expected disabled provider")
	}
	if provider.Meter("relay.test") == nil {
		t.Fatalf("expected meter")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if Environment() != "staging" {
		t.Fatalf("expected lowercased environment, got %q", Environment())
	}
}

func TestQueueAttributesOmitEmptyResult(t *testing.T) {
	if got := len(QueueAttributes("dev", "memo.accumulate", "")); got != 2 {
		t.Fatalf("expected 2 attributes, got %d", got)
	}
	if got := len(QueueAttributes("dev", "memo.accumulate", ResultDead)); got != 3 {
		t.Fatalf("expected 3 attributes, got %d", got)
	}
}

func TestHistogramViewsCoverRelayHistograms(t *testing.T) {
	if got := len(histogramViews()); got != len(histogramBuckets) {
		t.Fatalf("expected %d views, got %d", len(histogramBuckets), got)
	}
	for name, bounds := range histogramBuckets {
		for i := 1; i < len(bounds); i++ {
			if bounds[i] <= bounds[i-1] {
				t.Fatalf("%s: boundaries must ascend, got %v", name, bounds)
			}
		}
	}
}

func TestEnvironmentDefaultsWhenUnset(t *testing.T) {
	setEnvironment("")
	if Environment() != defaultEnvironment {
		t.Fatalf("expected %q, got %q", defaultEnvironment, Environment())
	}
	setEnvironment(" PROD ")
	if Environment() != "prod" {
		t.Fatalf("expected normalised environment, got %q", Environment())
	}
}
