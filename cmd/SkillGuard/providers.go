package main

import (
	"context"

	"SkillGuard/internal/collect"
	"SkillGuard/internal/conf"
	"SkillGuard/internal/data"
	"SkillGuard/internal/guard"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// protectionSuite groups the monitor and its external fan-out so their
// lifecycle can hang off the Kratos app hooks.
type protectionSuite struct {
	monitor   *guard.Monitor
	publisher *data.EventPublisher
	cron      *cron.Cron
	logger    *log.Helper
}

func (s *protectionSuite) start(context.Context) error {
	s.monitor.Start()
	s.publisher.Start()
	s.cron.Start()
	s.logger.Infow("msg", "protection suite started")
	return nil
}

func (s *protectionSuite) stop(context.Context) error {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.publisher.Stop()
	s.monitor.Stop()
	s.logger.Infow("msg", "protection suite stopped")
	return nil
}

// newMonitorConfig maps the bootstrap configuration onto the guard
// tuning. Missing sections fall back to the guard defaults.
func newMonitorConfig(bc *conf.Bootstrap) guard.MonitorConfig {
	mc := guard.DefaultMonitorConfig()
	g := bc.Guard
	if g == nil {
		return mc
	}
	if g.MaxKeys > 0 {
		mc.MaxKeys = g.MaxKeys
	}
	if g.Breaker != nil {
		mc.Breaker = guard.BreakerConfig{
			FailureThreshold: g.Breaker.FailureThreshold,
			SuccessThreshold: g.Breaker.SuccessThreshold,
			ResetTimeout:     g.Breaker.ResetTimeout,
		}
	}
	if g.Limiter != nil {
		mc.Limiter = guard.LimiterConfig{
			Capacity:   g.Limiter.Capacity,
			RefillRate: g.Limiter.RefillRate,
		}
	}
	if g.Detector != nil {
		mc.Detector = guard.DetectorConfig{
			WindowSize:  g.Detector.WindowSize,
			MinSamples:  g.Detector.MinSamples,
			Sensitivity: g.Detector.Sensitivity,
			Cooldown:    g.Detector.Cooldown,
		}
	}
	if g.Metrics != nil {
		mc.Collector = guard.CollectorConfig{
			HistorySize:    g.Metrics.HistorySize,
			SampleInterval: g.Metrics.SampleInterval,
		}
	}
	if g.Watchdog != nil {
		mc.Watchdog = guard.WatchdogTargetConfig{
			Interval:  g.Watchdog.Interval,
			MaxMissed: g.Watchdog.MaxMissed,
		}
	}
	if g.Healer != nil {
		mc.Healer = guard.HealerConfig{
			Cooldown:      g.Healer.Cooldown,
			HistorySize:   g.Healer.HistorySize,
			ActionTimeout: g.Healer.ActionTimeout,
		}
	}
	if bc.Alerts != nil {
		mc.Alerts = guard.AlertConfig{
			Cooldown:    bc.Alerts.Cooldown,
			HistorySize: bc.Alerts.HistorySize,
			SendTimeout: bc.Alerts.SendTimeout,
		}
	}
	return mc
}

// newRedis connects to Redis when configured. A failed ping degrades to
// running without Redis instead of aborting startup.
func newRedis(bc *conf.Bootstrap, logger log.Logger) (*redis.Client, func()) {
	rdb, cleanup, err := data.NewRedisClient(bc.Data, logger)
	if err != nil {
		log.NewHelper(logger).Warnw("msg", "running without redis fan-out", "error", err)
		return nil, cleanup
	}
	return rdb, cleanup
}

// newProtectionSuite assembles the monitor, its alert channels, the
// Redis event mirror and the maintenance cron.
func newProtectionSuite(bc *conf.Bootstrap, rdb *redis.Client, logger log.Logger) *protectionSuite {
	mc := newMonitorConfig(bc)

	var provider guard.SystemProvider
	if bc.Guard == nil || bc.Guard.Metrics == nil || bc.Guard.Metrics.SystemGauges {
		provider = collect.NewSystemSampler()
	}

	monitor := guard.NewDefaultMonitor(mc, provider, logger)

	// The log channel is always on so alerts are never silently lost.
	monitor.RegisterAlertChannel(data.NewLogChannel(logger))
	if bc.Alerts != nil && bc.Alerts.WebhookURL != "" {
		monitor.RegisterAlertChannel(data.NewWebhookChannel(bc.Alerts.WebhookURL, logger))
	}

	eventChannel := "skillguard:events"
	if bc.Data != nil && bc.Data.Redis != nil && bc.Data.Redis.EventChannel != "" {
		eventChannel = bc.Data.Redis.EventChannel
	}
	if rdb != nil && bc.Data != nil && bc.Data.Redis != nil && bc.Data.Redis.AlertChannel != "" {
		monitor.RegisterAlertChannel(data.NewRedisChannel(rdb, bc.Data.Redis.AlertChannel, logger))
	}

	publisher := data.NewEventPublisher(rdb, monitor.Bus(), eventChannel, logger)

	return &protectionSuite{
		monitor:   monitor,
		publisher: publisher,
		cron:      newMaintenanceCron(monitor, logger),
		logger:    log.NewHelper(logger),
	}
}

func provideMonitor(s *protectionSuite) *guard.Monitor { return s.monitor }

func provideInstruments(m *guard.Monitor) *guard.Instruments { return m.Instruments() }
