// Package config loads the service configuration: an orchestrator.yaml file
// with SCANFORGE_* environment overrides layered on top. Per-queue dispatch
// limits live in a separate hot-reloadable file handled by ratecontrol.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/taskerr"
)

// QueueLimits are the default dispatch limits for one queue. The rate-limits
// file can override them at runtime.
type QueueLimits struct {
	Concurrency   int `mapstructure:"concurrency"`
	RatePerMinute int `mapstructure:"rate_per_minute"`
	Burst         int `mapstructure:"burst"`
}

// Collaborator is the endpoint config of one external service.
type Collaborator struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Thresholds are the gap-analysis tunables.
type Thresholds struct {
	HighQualityScore      float64 `mapstructure:"high_quality_score"`
	SufficientHighQuality int     `mapstructure:"sufficient_high_quality"`
	MinEvidencePerPillar  int     `mapstructure:"min_evidence_per_pillar"`
	MinAvgQuality         float64 `mapstructure:"min_avg_quality"`
	MinAvgRecency         float64 `mapstructure:"min_avg_recency"`
	MaxFollowUpsPerPillar int     `mapstructure:"max_follow_ups_per_pillar"`
}

// Config is the full service configuration.
type Config struct {
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`

	Tracing struct {
		Enabled     bool   `mapstructure:"enabled"`
		Endpoint    string `mapstructure:"endpoint"`
		ServiceName string `mapstructure:"service_name"`
	} `mapstructure:"tracing"`

	API struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"api"`

	Redis struct {
		Enabled  bool          `mapstructure:"enabled"`
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`

	Database struct {
		Enabled bool   `mapstructure:"enabled"`
		Driver  string `mapstructure:"driver"`
		DSN     string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Collaborators struct {
		Search      Collaborator `mapstructure:"search"`
		Extraction  Collaborator `mapstructure:"extraction"`
		Evaluator   Collaborator `mapstructure:"evaluator"`
		Interpreter Collaborator `mapstructure:"interpreter"`
		Composer    Collaborator `mapstructure:"composer"`
	} `mapstructure:"collaborators"`

	Queues map[string]QueueLimits `mapstructure:"queues"`

	Research struct {
		DepthIterations   map[string]int `mapstructure:"depth_iterations"`
		SearchResultLimit int            `mapstructure:"search_result_limit"`
		ReputableOutlets  []string       `mapstructure:"reputable_outlets"`
		Thresholds        Thresholds     `mapstructure:"thresholds"`
	} `mapstructure:"research"`

	// RateLimitsFile points at the hot-reloadable per-queue limits file.
	RateLimitsFile string `mapstructure:"rate_limits_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "scanforge-orchestrator")
	v.SetDefault("api.port", 8081)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "postgres")

	v.SetDefault("queues.orchestration.concurrency", 4)
	v.SetDefault("queues.search.concurrency", 5)
	v.SetDefault("queues.search.rate_per_minute", 100)
	v.SetDefault("queues.search.burst", 10)
	v.SetDefault("queues.analysis.concurrency", 3)
	v.SetDefault("queues.analysis.rate_per_minute", 30)
	v.SetDefault("queues.analysis.burst", 5)
	v.SetDefault("queues.quality.concurrency", 10)
	v.SetDefault("queues.quality.rate_per_minute", 50)
	v.SetDefault("queues.quality.burst", 10)
	v.SetDefault("queues.technical.concurrency", 2)
	v.SetDefault("queues.technical.rate_per_minute", 10)
	v.SetDefault("queues.technical.burst", 2)

	v.SetDefault("research.depth_iterations", map[string]int{
		"standard":   2,
		"deep":       3,
		"exhaustive": 5,
	})
	v.SetDefault("research.search_result_limit", 10)
	v.SetDefault("research.reputable_outlets", []string{
		"reuters.com", "bloomberg.com", "wsj.com", "ft.com",
		"techcrunch.com", "gartner.com", "forrester.com",
	})
	v.SetDefault("research.thresholds.high_quality_score", 0.8)
	v.SetDefault("research.thresholds.sufficient_high_quality", 50)
	v.SetDefault("research.thresholds.min_evidence_per_pillar", 3)
	v.SetDefault("research.thresholds.min_avg_quality", 0.5)
	v.SetDefault("research.thresholds.min_avg_recency", 0.2)
	v.SetDefault("research.thresholds.max_follow_ups_per_pillar", 3)

	v.SetDefault("collaborators.search.timeout", 8*time.Second)
	v.SetDefault("collaborators.extraction.timeout", 8*time.Second)
	v.SetDefault("collaborators.evaluator.timeout", 8*time.Second)
	v.SetDefault("collaborators.interpreter.timeout", 15*time.Second)
	v.SetDefault("collaborators.composer.timeout", 30*time.Second)
}

// Load reads the config file at path, or the CONFIG_PATH env var, or
// defaults when neither exists. SCANFORGE_* env vars override file values
// (e.g. SCANFORGE_REDIS_ADDR).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SCANFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the parts of the config whose absence must abort startup.
// Violations are config-class errors: fatal, never retried.
func (c *Config) Validate() error {
	collaborators := map[string]Collaborator{
		"search":      c.Collaborators.Search,
		"extraction":  c.Collaborators.Extraction,
		"evaluator":   c.Collaborators.Evaluator,
		"interpreter": c.Collaborators.Interpreter,
		"composer":    c.Collaborators.Composer,
	}
	for name, col := range collaborators {
		if col.BaseURL == "" {
			return taskerr.Configf("config", "collaborators.%s.base_url is required", name)
		}
		if col.APIKey == "" {
			return taskerr.Configf("config", "collaborators.%s.api_key is required", name)
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return taskerr.Configf("config", "redis.addr is required when redis is enabled")
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		return taskerr.Configf("config", "database.dsn is required when database is enabled")
	}
	if c.API.Port <= 0 {
		return taskerr.Configf("config", "api.port must be positive")
	}
	for name, q := range c.Queues {
		if q.Concurrency <= 0 {
			return taskerr.Configf("config", "queues.%s.concurrency must be positive", name)
		}
	}
	return nil
}

// WatchFile invokes onChange whenever the file at path is written or
// created. Used for the rate-limits file; the service config itself is not
// hot-reloaded. The watcher stops when stop is closed.
func WatchFile(path string, logger *zap.Logger, stop <-chan struct{}, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				logger.Info("Config file changed", zap.String("file", event.Name))
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
