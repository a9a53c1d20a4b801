// Package service exposes the protection core on the status API.
package service

import (
	"fmt"

	"SkillGuard/internal/guard"

	"github.com/go-kratos/kratos/v2/log"
)

// StatusReply is the aggregate health view.
type StatusReply struct {
	HealthScore int    `json:"health_score"`
	Healthy     bool   `json:"healthy"`
	AlertsCount uint64 `json:"alerts_count"`
	Suppressed  uint64 `json:"alerts_suppressed"`
	Breakers    int    `json:"breakers"`
	Watchdog    int    `json:"watchdog_targets"`
}

// BreakersReply lists per-key breaker stats.
type BreakersReply struct {
	Breakers []guard.BreakerStats `json:"breakers"`
	Limiters []guard.LimiterStats `json:"limiters"`
}

// MetricReply is one metric series with its aggregate and baseline.
type MetricReply struct {
	Aggregate guard.MetricAggregate `json:"aggregate"`
	Baseline  *guard.SeriesStats    `json:"baseline,omitempty"`
	History   []guard.MetricPoint   `json:"history"`
}

// AlertsReply lists recent alerts and healing actions.
type AlertsReply struct {
	Alerts []guard.Alert         `json:"alerts"`
	Heals  []guard.HealingAction `json:"heals"`
}

// WatchdogReply lists watchdog target stats.
type WatchdogReply struct {
	Targets []guard.WatchdogTargetStats `json:"targets"`
}

// MonitorService answers the read-only status API from the monitor's
// registries.
type MonitorService struct {
	monitor *guard.Monitor
	logger  *log.Helper
}

// NewMonitorService creates the status service.
func NewMonitorService(monitor *guard.Monitor, logger log.Logger) *MonitorService {
	return &MonitorService{
		monitor: monitor,
		logger:  log.NewHelper(logger),
	}
}

// Status condenses the monitor's aggregate view.
func (s *MonitorService) Status() *StatusReply {
	status := s.monitor.Status()
	return &StatusReply{
		HealthScore: status.HealthScore,
		Healthy:     status.HealthScore >= 60,
		AlertsCount: status.AlertsCount,
		Suppressed:  status.Suppressed,
		Breakers:    len(status.Breakers),
		Watchdog:    len(status.Watchdog),
	}
}

// Breakers lists every breaker and limiter key.
func (s *MonitorService) Breakers() *BreakersReply {
	return &BreakersReply{
		Breakers: s.monitor.Breaker().Snapshot(),
		Limiters: s.monitor.Limiter().Snapshot(),
	}
}

// Metric returns history, aggregate and anomaly baseline for one
// series. limit <= 0 returns the whole retained window.
func (s *MonitorService) Metric(name string, limit int) (*MetricReply, error) {
	aggregate, ok := s.monitor.Collector().Aggregate(name)
	if !ok {
		return nil, fmt.Errorf("unknown metric %q", name)
	}

	reply := &MetricReply{
		Aggregate: aggregate,
		History:   s.monitor.Collector().History(name, limit),
	}
	if baseline, found := s.monitor.Detector().Stats(name); found {
		reply.Baseline = &baseline
	}
	return reply, nil
}

// Metrics lists the known series names.
func (s *MonitorService) Metrics() []string {
	return s.monitor.Collector().Names()
}

// Alerts lists recent alerts and healing actions, newest windows last.
func (s *MonitorService) Alerts(limit int) *AlertsReply {
	return &AlertsReply{
		Alerts: s.monitor.Alerts().History(limit),
		Heals:  s.monitor.Healer().History(limit),
	}
}

// Watchdog lists every registered target.
func (s *MonitorService) Watchdog() *WatchdogReply {
	return &WatchdogReply{Targets: s.monitor.Watchdog().Snapshot()}
}
