package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreConfiguration controls the shared durable store
type StoreConfiguration struct {
	Path          string `toml:"path"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
}

// SyncConfiguration controls metadata synchronization across instances
type SyncConfiguration struct {
	NotifierType     string `toml:"notifier"` // "local" or "nats"
	NatsURL          string `toml:"nats_url"`
	NatsSubject      string `toml:"nats_subject"`
	PollIntervalSecs int    `toml:"poll_interval_seconds"` // fallback poll when notifications are missed
}

// LiveQueryConfiguration controls the subscription engine
type LiveQueryConfiguration struct {
	PollIntervalMS  int `toml:"poll_interval_ms"`
	GracePeriodSecs int `toml:"grace_period_seconds"` // keep empty cohorts around for brief reconnects
	PlanCacheSize   int `toml:"plan_cache_size"`
	BatchMaxSize    int `toml:"batch_max_size"` // max variable sets per backend round trip
}

// EventClassConfiguration tunes a single delivery loop (trigger, cron, scheduled)
type EventClassConfiguration struct {
	FetchIntervalMS int `toml:"fetch_interval_ms"`
	FetchBatchSize  int `toml:"fetch_batch_size"`
	PoolSize        int `toml:"pool_size"`
}

// EventsConfiguration controls event delivery behavior
type EventsConfiguration struct {
	Trigger   EventClassConfiguration `toml:"trigger"`
	Cron      EventClassConfiguration `toml:"cron"`
	Scheduled EventClassConfiguration `toml:"scheduled"`

	DeliveryTimeoutMS  int     `toml:"delivery_timeout_ms"` // per webhook attempt
	MaxTries           int     `toml:"max_tries"`
	RetryInitialMS     int     `toml:"retry_initial_ms"`
	RetryMaxMS         int     `toml:"retry_max_ms"`
	RetryMultiplier    float64 `toml:"retry_multiplier"`
	StaleLockSecs      int     `toml:"stale_lock_seconds"`      // locks older than this are reclaimable
	CronHorizonSecs    int     `toml:"cron_horizon_seconds"`    // how far ahead occurrences are materialized
	ShutdownBudgetSecs int     `toml:"shutdown_budget_seconds"` // wall-clock drain budget
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the operational HTTP endpoint
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID string `toml:"instance_id"` // empty = derive from machine ID

	Store      StoreConfiguration      `toml:"store"`
	Sync       SyncConfiguration       `toml:"sync"`
	LiveQuery  LiveQueryConfiguration  `toml:"live_query"`
	Events     EventsConfiguration     `toml:"events"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	StorePathFlag  = flag.String("store", "", "Durable store path (overrides config)")
	InstanceIDFlag = flag.String("instance-id", "", "Instance ID (overrides config, empty=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: "",

	Store: StoreConfiguration{
		Path:          "./burrow-data/burrow.db",
		BusyTimeoutMS: 5000,
	},

	Sync: SyncConfiguration{
		NotifierType:     "local",
		NatsSubject:      "burrow.metadata.version",
		PollIntervalSecs: 10,
	},

	LiveQuery: LiveQueryConfiguration{
		PollIntervalMS:  1000, // practical floor ~1s
		GracePeriodSecs: 5,
		PlanCacheSize:   512,
		BatchMaxSize:    100,
	},

	Events: EventsConfiguration{
		Trigger:   EventClassConfiguration{FetchIntervalMS: 1000, FetchBatchSize: 100, PoolSize: 100},
		Cron:      EventClassConfiguration{FetchIntervalMS: 1000, FetchBatchSize: 100, PoolSize: 100},
		Scheduled: EventClassConfiguration{FetchIntervalMS: 1000, FetchBatchSize: 100, PoolSize: 100},

		DeliveryTimeoutMS:  60000,
		MaxTries:           5,
		RetryInitialMS:     1000,
		RetryMaxMS:         30000,
		RetryMultiplier:    2.0,
		StaleLockSecs:      900,
		CronHorizonSecs:    600,
		ShutdownBudgetSecs: 30,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8089,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *StorePathFlag != "" {
		Config.Store.Path = *StorePathFlag
	}
	if *InstanceIDFlag != "" {
		Config.InstanceID = *InstanceIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate instance ID if not set
	if Config.InstanceID == "" {
		id, err := generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		Config.InstanceID = id
		log.Info().Str("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	// Ensure store directory exists
	if dir := filepath.Dir(Config.Store.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	return nil
}

// generateInstanceID creates a stable per-machine instance ID.
// Two instances on the same machine should set instance_id explicitly.
func generateInstanceID() (string, error) {
	id, err := machineid.ProtectedID("burrow")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return "burrow-" + strconv.FormatUint(h.Sum64(), 16), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	if Config.Store.BusyTimeoutMS < 0 {
		return fmt.Errorf("store busy timeout must be >= 0")
	}

	switch Config.Sync.NotifierType {
	case "local", "nats":
	default:
		return fmt.Errorf("invalid sync notifier: %s", Config.Sync.NotifierType)
	}

	if Config.Sync.NotifierType == "nats" && Config.Sync.NatsURL == "" {
		return fmt.Errorf("nats notifier requires nats_url")
	}

	if Config.Sync.PollIntervalSecs < 1 {
		return fmt.Errorf("sync poll interval must be >= 1 second")
	}

	if Config.LiveQuery.PollIntervalMS < 100 {
		return fmt.Errorf("live query poll interval must be >= 100ms")
	}

	if Config.LiveQuery.GracePeriodSecs < 0 {
		return fmt.Errorf("live query grace period must be >= 0")
	}

	if Config.LiveQuery.PlanCacheSize < 1 {
		return fmt.Errorf("plan cache size must be >= 1")
	}

	if Config.LiveQuery.BatchMaxSize < 1 {
		return fmt.Errorf("live query batch max size must be >= 1")
	}

	for name, class := range map[string]EventClassConfiguration{
		"trigger":   Config.Events.Trigger,
		"cron":      Config.Events.Cron,
		"scheduled": Config.Events.Scheduled,
	} {
		if class.FetchIntervalMS < 1 {
			return fmt.Errorf("%s fetch interval must be >= 1ms", name)
		}
		if class.FetchBatchSize < 1 {
			return fmt.Errorf("%s fetch batch size must be >= 1", name)
		}
		if class.PoolSize < 1 {
			return fmt.Errorf("%s pool size must be >= 1", name)
		}
	}

	if Config.Events.DeliveryTimeoutMS < 1 {
		return fmt.Errorf("delivery timeout must be >= 1ms")
	}

	if Config.Events.MaxTries < 1 {
		return fmt.Errorf("max tries must be >= 1")
	}

	if Config.Events.RetryMultiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1")
	}

	if Config.Events.StaleLockSecs < 1 {
		return fmt.Errorf("stale lock threshold must be >= 1 second")
	}

	if Config.Events.ShutdownBudgetSecs < 0 {
		return fmt.Errorf("shutdown budget must be >= 0")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// ShutdownBudget returns the drain budget as a duration
func (e *EventsConfiguration) ShutdownBudget() time.Duration {
	return time.Duration(e.ShutdownBudgetSecs) * time.Second
}

// StaleLockThreshold returns the stale lock threshold as a duration
func (e *EventsConfiguration) StaleLockThreshold() time.Duration {
	return time.Duration(e.StaleLockSecs) * time.Second
}
