package ratecontrol

import (
	"os"
	"path/filepath"
	"testing"
)

func writeLimits(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ratelimits.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestForQueueOverride(t *testing.T) {
	path := writeLimits(t, `
rate_limits:
  default_per_minute: 60
  queue_overrides:
    search:
      per_minute: 100
      concurrency: 5
`)
	table, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	def := Limit{PerMinute: 30, Burst: 1, Concurrency: 2}
	got := table.ForQueue("search", def)
	if got.PerMinute != 100 {
		t.Fatalf("expected per_minute 100, got %d", got.PerMinute)
	}
	if got.Concurrency != 5 {
		t.Fatalf("expected concurrency 5, got %d", got.Concurrency)
	}
	if got.Burst != 1 {
		t.Fatalf("burst must keep the default, got %d", got.Burst)
	}

	// Unknown queue gets the file-level default per-minute only.
	other := table.ForQueue("quality", def)
	if other.PerMinute != 60 {
		t.Fatalf("expected default_per_minute 60, got %d", other.PerMinute)
	}
	if other.Concurrency != 2 {
		t.Fatalf("expected caller default concurrency, got %d", other.Concurrency)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	table, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	def := Limit{PerMinute: 50, Burst: 2, Concurrency: 10}
	if got := table.ForQueue("quality", def); got != def {
		t.Fatalf("expected caller defaults, got %+v", got)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeLimits(t, "rate_limits: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
