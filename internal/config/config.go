// Package config loads the orchestration core's configuration through a
// layered defaults -> file -> environment chain, the way the teacher's
// internal/config/config.go does for the cluster node.
package config

import (
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BrokerConfig configures the Resource Broker.
type BrokerConfig struct {
	ScaleUpThreshold   float64       `mapstructure:"scale_up_threshold" yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `mapstructure:"scale_down_threshold" yaml:"scale_down_threshold"`
	CoolDown           time.Duration `mapstructure:"cool_down" yaml:"cool_down"`
	Step               float64       `mapstructure:"step" yaml:"step"`
}

// MonitorConfig configures the Monitor.
type MonitorConfig struct {
	RingSize          int           `mapstructure:"ring_size" yaml:"ring_size"`
	SnapshotInterval  time.Duration `mapstructure:"snapshot_interval" yaml:"snapshot_interval"`
	SubscriberBacklog int           `mapstructure:"subscriber_backlog" yaml:"subscriber_backlog"`
}

// StrategyConfig configures the Adaptive Strategy Engine.
type StrategyConfig struct {
	PerformanceWeight float64 `mapstructure:"performance_weight" yaml:"performance_weight"`
	ResourceFitWeight float64 `mapstructure:"resource_fit_weight" yaml:"resource_fit_weight"`
	RiskWeight        float64 `mapstructure:"risk_weight" yaml:"risk_weight"`
	ConfidenceWeight  float64 `mapstructure:"confidence_weight" yaml:"confidence_weight"`
}

// SchedulerConfig configures the cross-orchestration Scheduler.
type SchedulerConfig struct {
	QueueCapacity int           `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	AgingInterval time.Duration `mapstructure:"aging_interval" yaml:"aging_interval"`
}

// RetryConfig holds the `default_retry` settings (spec.md §6). The
// Orchestrator does not read it: a stage without its own RetryPolicy gets a
// single attempt and the Orchestrator's built-in backoff (500ms base, 30s
// cap).
type RetryConfig struct {
	Base        time.Duration `mapstructure:"base_ms" yaml:"base_ms"`
	Cap         time.Duration `mapstructure:"cap_ms" yaml:"cap_ms"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Jitter      time.Duration `mapstructure:"jitter" yaml:"jitter"`
}

// StoreConfig configures the Postgres-backed Repository adapter.
type StoreConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// Config is the orchestration core's full configuration, per spec.md §6's
// configuration list.
type Config struct {
	MaxConcurrentOrchestrations int           `mapstructure:"max_concurrent_orchestrations" yaml:"max_concurrent_orchestrations"`
	WorkerCount                 int           `mapstructure:"worker_count" yaml:"worker_count"`
	DefaultStageTimeout         time.Duration `mapstructure:"default_stage_timeout" yaml:"default_stage_timeout"`
	DefaultOverallTimeout       time.Duration `mapstructure:"default_overall_timeout" yaml:"default_overall_timeout"`
	DefaultMaxRetries           int           `mapstructure:"default_max_retries" yaml:"default_max_retries"`
	CancelGracePeriod           time.Duration `mapstructure:"cancel_grace_period" yaml:"cancel_grace_period"`
	ApprovalTimeout             time.Duration `mapstructure:"approval_timeout_ms" yaml:"approval_timeout_ms"`
	LogLevel                    string        `mapstructure:"log_level" yaml:"log_level"`

	Broker       BrokerConfig    `mapstructure:"broker" yaml:"broker"`
	Monitor      MonitorConfig   `mapstructure:"monitor" yaml:"monitor"`
	Strategy     StrategyConfig  `mapstructure:"strategy" yaml:"strategy"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Store        StoreConfig     `mapstructure:"store" yaml:"store"`
	DefaultRetry RetryConfig     `mapstructure:"default_retry" yaml:"default_retry"`
}

// Defaults returns the configuration's baseline values before a file or
// environment overrides are layered on.
func Defaults() Config {
	return Config{
		MaxConcurrentOrchestrations: 10000,
		WorkerCount:                 runtime.NumCPU(),
		DefaultStageTimeout:         5 * time.Minute,
		DefaultOverallTimeout:       60 * time.Minute,
		DefaultMaxRetries:           3,
		CancelGracePeriod:           30 * time.Second,
		ApprovalTimeout:             24 * time.Hour,
		LogLevel:                    "info",
		DefaultRetry: RetryConfig{
			Base:        500 * time.Millisecond,
			Cap:         30 * time.Second,
			MaxAttempts: 3,
			Jitter:      250 * time.Millisecond,
		},
		Broker: BrokerConfig{
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.3,
			CoolDown:           2 * time.Minute,
			Step:               1,
		},
		Monitor: MonitorConfig{
			RingSize:          1000,
			SnapshotInterval:  2 * time.Second,
			SubscriberBacklog: 64,
		},
		Strategy: StrategyConfig{
			PerformanceWeight: 0.35,
			ResourceFitWeight: 0.30,
			RiskWeight:        0.20,
			ConfidenceWeight:  0.15,
		},
		Scheduler: SchedulerConfig{
			QueueCapacity: 10000,
			AgingInterval: 5 * time.Minute,
		},
	}
}

// Load reads configuration from (in ascending priority) built-in defaults,
// an optional YAML file at path, and environment variables prefixed
// ORCHESTRATOR_ (e.g. ORCHESTRATOR_BROKER_COOL_DOWN).
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("orchestrator")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("max_concurrent_orchestrations", cfg.MaxConcurrentOrchestrations)
	v.SetDefault("worker_count", cfg.WorkerCount)
	v.SetDefault("default_stage_timeout", cfg.DefaultStageTimeout)
	v.SetDefault("default_overall_timeout", cfg.DefaultOverallTimeout)
	v.SetDefault("default_max_retries", cfg.DefaultMaxRetries)
	v.SetDefault("cancel_grace_period", cfg.CancelGracePeriod)
	v.SetDefault("approval_timeout_ms", cfg.ApprovalTimeout)
	v.SetDefault("log_level", cfg.LogLevel)

	v.SetDefault("default_retry.base_ms", cfg.DefaultRetry.Base)
	v.SetDefault("default_retry.cap_ms", cfg.DefaultRetry.Cap)
	v.SetDefault("default_retry.max_attempts", cfg.DefaultRetry.MaxAttempts)
	v.SetDefault("default_retry.jitter", cfg.DefaultRetry.Jitter)

	v.SetDefault("broker.scale_up_threshold", cfg.Broker.ScaleUpThreshold)
	v.SetDefault("broker.scale_down_threshold", cfg.Broker.ScaleDownThreshold)
	v.SetDefault("broker.cool_down", cfg.Broker.CoolDown)
	v.SetDefault("broker.step", cfg.Broker.Step)

	v.SetDefault("monitor.ring_size", cfg.Monitor.RingSize)
	v.SetDefault("monitor.snapshot_interval", cfg.Monitor.SnapshotInterval)
	v.SetDefault("monitor.subscriber_backlog", cfg.Monitor.SubscriberBacklog)

	v.SetDefault("strategy.performance_weight", cfg.Strategy.PerformanceWeight)
	v.SetDefault("strategy.resource_fit_weight", cfg.Strategy.ResourceFitWeight)
	v.SetDefault("strategy.risk_weight", cfg.Strategy.RiskWeight)
	v.SetDefault("strategy.confidence_weight", cfg.Strategy.ConfidenceWeight)

	v.SetDefault("scheduler.queue_capacity", cfg.Scheduler.QueueCapacity)
	v.SetDefault("scheduler.aging_interval", cfg.Scheduler.AgingInterval)

	v.SetDefault("store.dsn", cfg.Store.DSN)
	v.SetDefault("store.max_open_conns", cfg.Store.MaxOpenConns)
	v.SetDefault("store.conn_max_lifetime", cfg.Store.ConnMaxLifetime)
}
