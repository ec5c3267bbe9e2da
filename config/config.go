package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohitkumar/fleetrules/action"
	"github.com/mohitkumar/fleetrules/analytics"
	"github.com/mohitkumar/fleetrules/engine"
	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/persistence/postgres"
	"github.com/mohitkumar/fleetrules/persistence/redis"
	"github.com/spf13/viper"
)

type StorageType string

const STORAGE_TYPE_INMEM StorageType = "memory"
const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_POSTGRES StorageType = "postgres"

const ENV_PREFIX = "FLEETRULES"

type Config struct {
	StorageType     StorageType                   `mapstructure:"storage_type"`
	RedisConfig     redis.Config                  `mapstructure:"redis"`
	PostgresConfig  postgres.Config               `mapstructure:"postgres"`
	HttpPort        int                           `mapstructure:"http_port"`
	EngineConfig    EngineConfig                  `mapstructure:"engine"`
	WebhookConfig   action.WebhookConfig          `mapstructure:"webhook"`
	AnalyticsConfig analytics.DataCollectorConfig `mapstructure:"analytics"`
	LogConfig       logger.Config                 `mapstructure:"log"`
}

type EngineConfig struct {
	MaxFieldDepth   int                     `mapstructure:"max_field_depth"`
	MatcherCacheTTL time.Duration           `mapstructure:"matcher_cache_ttl"`
	Dispatch        engine.DispatcherConfig `mapstructure:"dispatch"`
	ReaperEnabled   bool                    `mapstructure:"reaper_enabled"`
	Reaper          engine.ReaperConfig     `mapstructure:"reaper"`
}

func setDefaults(v *viper.Viper) {
	webhook := action.DefaultWebhookConfig()
	defaults := map[string]any{
		"storage_type":                      string(STORAGE_TYPE_INMEM),
		"redis.addrs":                       []string{"localhost:6379"},
		"redis.namespace":                   "fleetrules",
		"redis.pool_size":                   10,
		"redis.password":                    "",
		"redis.db":                          0,
		"postgres.url":                      "postgres://localhost:5432/fleetrules?sslmode=disable",
		"postgres.max_conns":                10,
		"http_port":                         8080,
		"engine.max_field_depth":            8,
		"engine.matcher_cache_ttl":          30 * time.Second,
		"engine.dispatch.workers":           8,
		"engine.dispatch.queue_capacity":    1024,
		"engine.dispatch.partition_count":   271,
		"engine.reaper_enabled":             true,
		"engine.reaper.interval":            time.Minute,
		"engine.reaper.stale_after":         15 * time.Minute,
		"webhook.timeout":                   webhook.Timeout,
		"webhook.breaker_max_requests":      webhook.BreakerMaxRequests,
		"webhook.breaker_interval":          webhook.BreakerInterval,
		"webhook.breaker_open_timeout":      webhook.BreakerOpenTimeout,
		"webhook.breaker_failure_threshold": webhook.BreakerFailureThreshold,
		"analytics.collector_type":          string(analytics.PROMETHEUS_DATA_COLLECTOR),
		"analytics.file_name":               "",
		"log.level":                         "info",
		"log.development":                   false,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads the optional config file at path, then FLEETRULES_* environment
// variables (FLEETRULES_ENGINE_DISPATCH_WORKERS for engine.dispatch.workers)
// over the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if len(path) > 0 {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c Config) Validate() error {
	switch c.StorageType {
	case STORAGE_TYPE_INMEM, STORAGE_TYPE_REDIS, STORAGE_TYPE_POSTGRES:
	default:
		return fmt.Errorf("unknown storage type %q", c.StorageType)
	}
	if c.StorageType == STORAGE_TYPE_REDIS && len(c.RedisConfig.Addrs) == 0 {
		return fmt.Errorf("redis storage needs at least one address")
	}
	if c.StorageType == STORAGE_TYPE_POSTGRES && len(c.PostgresConfig.URL) == 0 {
		return fmt.Errorf("postgres storage needs a url")
	}
	if c.HttpPort < 0 || c.HttpPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HttpPort)
	}
	if c.EngineConfig.ReaperEnabled && (c.EngineConfig.Reaper.Interval <= 0 || c.EngineConfig.Reaper.StaleAfter <= 0) {
		return fmt.Errorf("reaper interval and stale_after must be positive")
	}
	if c.AnalyticsConfig.CollectorType == analytics.LOG_FILE_DATA_COLLECTOR && len(c.AnalyticsConfig.FileName) == 0 {
		return fmt.Errorf("log file data collector needs a file name")
	}
	return nil
}

func (c Config) HttpAddr() string {
	return fmt.Sprintf(":%d", c.HttpPort)
}
