// Package ratecontrol loads per-queue dispatch limits from a YAML file that
// is distributed separately from the main service config, so operators can
// tune the throughput granted to each external API without redeploying.
package ratecontrol

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type fileSchema struct {
	RateLimits struct {
		DefaultPerMinute int `yaml:"default_per_minute"`
		DefaultBurst     int `yaml:"default_burst"`
		QueueOverrides   map[string]struct {
			PerMinute   int `yaml:"per_minute"`
			Burst       int `yaml:"burst"`
			Concurrency int `yaml:"concurrency"`
		} `yaml:"queue_overrides"`
	} `yaml:"rate_limits"`
}

// Limit is the dispatch budget for one queue.
type Limit struct {
	PerMinute   int
	Burst       int
	Concurrency int
}

// Table holds the loaded limits. Construct once and inject; Reload swaps the
// contents in place under lock.
type Table struct {
	mu     sync.RWMutex
	path   string
	loaded fileSchema
}

// Load reads the limits file at path. A missing file yields an empty table
// (all lookups fall back to the caller's defaults); a malformed file is an
// error.
func Load(path string) (*Table, error) {
	t := &Table{path: path}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the limits file.
func (t *Table) Reload() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.loaded = fileSchema{}
			return nil
		}
		return fmt.Errorf("read rate limits %s: %w", t.path, err)
	}
	var parsed fileSchema
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse rate limits %s: %w", t.path, err)
	}
	t.loaded = parsed
	return nil
}

// ForQueue returns the limit for the named queue merged over the given
// defaults. Zero fields in the file leave the default untouched.
func (t *Table) ForQueue(name string, def Limit) Limit {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := def
	if t.loaded.RateLimits.DefaultPerMinute > 0 {
		out.PerMinute = t.loaded.RateLimits.DefaultPerMinute
	}
	if t.loaded.RateLimits.DefaultBurst > 0 {
		out.Burst = t.loaded.RateLimits.DefaultBurst
	}
	override, ok := t.loaded.RateLimits.QueueOverrides[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return out
	}
	if override.PerMinute > 0 {
		out.PerMinute = override.PerMinute
	}
	if override.Burst > 0 {
		out.Burst = override.Burst
	}
	if override.Concurrency > 0 {
		out.Concurrency = override.Concurrency
	}
	return out
}

// FindUp walks from the working directory looking for config/<name>, which
// keeps local runs working from any package directory.
func FindUp(name string) (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", name)
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}
