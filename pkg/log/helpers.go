package log

import (
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// LogHelper extends the Kratos log.Helper with methods for the
// recurring service log shapes. Each method tags the entry with a
// "type" field so downstream pipelines can route on it.
type LogHelper struct {
	*log.Helper
}

// NewLogHelper creates an enhanced log helper.
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{Helper: log.NewHelper(logger)}
}

// Startup logs service startup milestones.
func (h *LogHelper) Startup(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "type", "startup")
	h.Infow(allKvs...)
}

// Request logs one HTTP request on the status API.
func (h *LogHelper) Request(method, url string, status int, durationMs int64, kvs ...interface{}) {
	msg := fmt.Sprintf("%s %s - %d (%dms)", method, url, status, durationMs)
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs,
		"type", "request",
		"method", method,
		"url", url,
		"status", status,
		"duration_ms", durationMs,
	)
	h.Infow(allKvs...)
}
