package main

import (
	"SkillGuard/internal/guard"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// newMaintenanceCron schedules the periodic sweeps that keep the
// in-memory registries bounded: expired alert dedupe entries and
// healing cooldowns are purged once a minute. The cron is started by
// the protection suite, not here.
func newMaintenanceCron(monitor *guard.Monitor, logger log.Logger) *cron.Cron {
	helper := log.NewHelper(logger)

	c := cron.New(cron.WithSeconds())

	// Every minute, on the minute.
	_, err := c.AddFunc("0 * * * * *", func() {
		alertsPurged := monitor.Alerts().PurgeExpired()
		healsPurged := monitor.Healer().PurgeExpired()
		if alertsPurged > 0 || healsPurged > 0 {
			helper.Debugw("msg", "maintenance sweep completed",
				"alert_entries_purged", alertsPurged,
				"heal_entries_purged", healsPurged,
			)
		}
	})
	if err != nil {
		helper.Errorw("msg", "failed to register maintenance cron job", "error", err)
	}

	return c
}
