// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment
// variables, with defaults for every tunable.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Bootstrap is the root configuration.
type Bootstrap struct {
	Server *Server
	Data   *Data
	Guard  *Guard
	Alerts *Alerts
	Log    *Log
}

// Server holds transport configuration.
type Server struct {
	HTTP *ServerHTTP
}

// ServerHTTP configures the status API listener.
type ServerHTTP struct {
	Network string
	Addr    string
	Timeout time.Duration
}

// Data holds external store configuration.
type Data struct {
	Redis *Redis
}

// Redis configures the optional Redis fan-out. An empty Addr disables
// it entirely.
type Redis struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// EventChannel is the pub/sub channel protection events are
	// mirrored to.
	EventChannel string
	// AlertChannel is the pub/sub channel accepted alerts are
	// published to.
	AlertChannel string
}

// Guard tunes the protection components.
type Guard struct {
	MaxKeys  int
	Breaker  *Breaker
	Limiter  *Limiter
	Detector *Detector
	Metrics  *Metrics
	Watchdog *WatchdogDefaults
	Healer   *Healer
}

// Breaker holds circuit breaker defaults.
type Breaker struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// Limiter holds token bucket defaults.
type Limiter struct {
	Capacity   float64
	RefillRate float64
}

// Detector holds anomaly detection tuning.
type Detector struct {
	WindowSize  int
	MinSamples  int
	Sensitivity float64
	Cooldown    time.Duration
}

// Metrics holds collector tuning.
type Metrics struct {
	HistorySize    int
	SampleInterval time.Duration
	// SystemGauges toggles the gopsutil sampling loop.
	SystemGauges bool
}

// WatchdogDefaults holds the per-target defaults used when a target is
// registered without explicit tuning.
type WatchdogDefaults struct {
	Interval  time.Duration
	MaxMissed int
}

// Healer holds auto-healing tuning.
type Healer struct {
	Cooldown      time.Duration
	HistorySize   int
	ActionTimeout time.Duration
}

// Alerts holds alert manager tuning and channel endpoints.
type Alerts struct {
	Cooldown    time.Duration
	HistorySize int
	SendTimeout time.Duration
	// WebhookURL enables the webhook channel when non-empty.
	WebhookURL string
}

// Log holds logging configuration.
type Log struct {
	Level  string
	Format string
	// File enables rotating file output when Path is non-empty.
	File *LogFile
}

// LogFile configures log rotation.
type LogFile struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies
// defaults, and allows overrides from environment variables prefixed
// with SKILLGUARD_.
//
// Configuration priority: Environment variables > Config file > Defaults
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	// Enable environment variable support with SKILLGUARD_ prefix.
	v.SetEnvPrefix("SKILLGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow a bare REDIS_ADDR for container deployments.
	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "SKILLGUARD_DATA_REDIS_ADDR")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Server: &Server{
			HTTP: &ServerHTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: v.GetDuration("server.http.timeout"),
			},
		},
		Data: &Data{
			Redis: &Redis{
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  v.GetDuration("data.redis.read_timeout"),
				WriteTimeout: v.GetDuration("data.redis.write_timeout"),
				EventChannel: v.GetString("data.redis.event_channel"),
				AlertChannel: v.GetString("data.redis.alert_channel"),
			},
		},
		Guard: &Guard{
			MaxKeys: v.GetInt("guard.max_keys"),
			Breaker: &Breaker{
				FailureThreshold: v.GetInt("guard.breaker.failure_threshold"),
				SuccessThreshold: v.GetInt("guard.breaker.success_threshold"),
				ResetTimeout:     v.GetDuration("guard.breaker.reset_timeout"),
			},
			Limiter: &Limiter{
				Capacity:   v.GetFloat64("guard.limiter.capacity"),
				RefillRate: v.GetFloat64("guard.limiter.refill_rate"),
			},
			Detector: &Detector{
				WindowSize:  v.GetInt("guard.detector.window_size"),
				MinSamples:  v.GetInt("guard.detector.min_samples"),
				Sensitivity: v.GetFloat64("guard.detector.sensitivity"),
				Cooldown:    v.GetDuration("guard.detector.cooldown"),
			},
			Metrics: &Metrics{
				HistorySize:    v.GetInt("guard.metrics.history_size"),
				SampleInterval: v.GetDuration("guard.metrics.sample_interval"),
				SystemGauges:   v.GetBool("guard.metrics.system_gauges"),
			},
			Watchdog: &WatchdogDefaults{
				Interval:  v.GetDuration("guard.watchdog.interval"),
				MaxMissed: v.GetInt("guard.watchdog.max_missed"),
			},
			Healer: &Healer{
				Cooldown:      v.GetDuration("guard.healer.cooldown"),
				HistorySize:   v.GetInt("guard.healer.history_size"),
				ActionTimeout: v.GetDuration("guard.healer.action_timeout"),
			},
		},
		Alerts: &Alerts{
			Cooldown:    v.GetDuration("alerts.cooldown"),
			HistorySize: v.GetInt("alerts.history_size"),
			SendTimeout: v.GetDuration("alerts.send_timeout"),
			WebhookURL:  v.GetString("alerts.webhook_url"),
		},
		Log: &Log{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			File: &LogFile{
				Path:       v.GetString("log.file.path"),
				MaxSizeMB:  v.GetInt("log.file.max_size_mb"),
				MaxBackups: v.GetInt("log.file.max_backups"),
				MaxAgeDays: v.GetInt("log.file.max_age_days"),
				Compress:   v.GetBool("log.file.compress"),
			},
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 30*time.Second)

	// Redis is opt-in: no default address.
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.event_channel", "skillguard:events")
	v.SetDefault("data.redis.alert_channel", "skillguard:alerts")

	// Guard defaults
	v.SetDefault("guard.max_keys", 1024)
	v.SetDefault("guard.breaker.failure_threshold", 5)
	v.SetDefault("guard.breaker.success_threshold", 3)
	v.SetDefault("guard.breaker.reset_timeout", 30*time.Second)
	v.SetDefault("guard.limiter.capacity", 20.0)
	v.SetDefault("guard.limiter.refill_rate", 10.0)
	v.SetDefault("guard.detector.window_size", 1000)
	v.SetDefault("guard.detector.min_samples", 30)
	v.SetDefault("guard.detector.sensitivity", 2.0)
	v.SetDefault("guard.detector.cooldown", 60*time.Second)
	v.SetDefault("guard.metrics.history_size", 1000)
	v.SetDefault("guard.metrics.sample_interval", 5*time.Second)
	v.SetDefault("guard.metrics.system_gauges", true)
	v.SetDefault("guard.watchdog.interval", 10*time.Second)
	v.SetDefault("guard.watchdog.max_missed", 3)
	v.SetDefault("guard.healer.cooldown", 60*time.Second)
	v.SetDefault("guard.healer.history_size", 500)
	v.SetDefault("guard.healer.action_timeout", 30*time.Second)

	// Alerts defaults
	v.SetDefault("alerts.cooldown", 300*time.Second)
	v.SetDefault("alerts.history_size", 500)
	v.SetDefault("alerts.send_timeout", 5*time.Second)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)
}

// Validate checks that the configuration is internally consistent. It
// returns an error listing every invalid field.
func Validate(bc *Bootstrap) error {
	var invalid []string

	if bc.Server == nil || bc.Server.HTTP == nil || bc.Server.HTTP.Addr == "" {
		invalid = append(invalid, "server.http.addr")
	}
	if bc.Guard != nil && bc.Guard.Breaker != nil {
		if bc.Guard.Breaker.FailureThreshold < 1 {
			invalid = append(invalid, "guard.breaker.failure_threshold (must be >= 1)")
		}
		if bc.Guard.Breaker.SuccessThreshold < 1 {
			invalid = append(invalid, "guard.breaker.success_threshold (must be >= 1)")
		}
		if bc.Guard.Breaker.ResetTimeout <= 0 {
			invalid = append(invalid, "guard.breaker.reset_timeout (must be positive)")
		}
	}
	if bc.Guard != nil && bc.Guard.Limiter != nil {
		if bc.Guard.Limiter.Capacity <= 0 {
			invalid = append(invalid, "guard.limiter.capacity (must be positive)")
		}
		if bc.Guard.Limiter.RefillRate <= 0 {
			invalid = append(invalid, "guard.limiter.refill_rate (must be positive)")
		}
	}
	if bc.Guard != nil && bc.Guard.Detector != nil {
		if bc.Guard.Detector.Sensitivity <= 0 {
			invalid = append(invalid, "guard.detector.sensitivity (must be positive)")
		}
		if bc.Guard.Detector.MinSamples < 2 {
			invalid = append(invalid, "guard.detector.min_samples (must be >= 2)")
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration fields: %s", strings.Join(invalid, ", "))
	}
	return nil
}
