// Package server assembles the HTTP transport for the status API.
package server

import (
	"strconv"

	"SkillGuard/internal/conf"
	"SkillGuard/internal/guard"
	"SkillGuard/internal/server/middleware"
	"SkillGuard/internal/service"
	pkglog "SkillGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHTTPServer new an HTTP server serving the read-only status API,
// the health probe and the prometheus scrape endpoint.
func NewHTTPServer(c *conf.Server, svc *service.MonitorService, inst *guard.Instruments, logger log.Logger) *http.Server {
	logHelper := pkglog.NewLogHelper(logger)

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logHelper),
		),
	}
	if c.HTTP.Network != "" {
		opts = append(opts, http.Network(c.HTTP.Network))
	}
	if c.HTTP.Addr != "" {
		opts = append(opts, http.Address(c.HTTP.Addr))
	}
	if c.HTTP.Timeout > 0 {
		opts = append(opts, http.Timeout(c.HTTP.Timeout))
	}
	srv := http.NewServer(opts...)

	registerRoutes(srv, svc)

	srv.Handle("/metrics", promhttp.HandlerFor(inst.Registry(), promhttp.HandlerOpts{}))

	return srv
}

func registerRoutes(srv *http.Server, svc *service.MonitorService) {
	route := srv.Route("/")

	route.GET("/healthz", func(ctx http.Context) error {
		return ctx.Result(200, map[string]string{"status": "ok"})
	})

	v1 := srv.Route("/v1")

	v1.GET("/status", func(ctx http.Context) error {
		return ctx.Result(200, svc.Status())
	})

	v1.GET("/breakers", func(ctx http.Context) error {
		return ctx.Result(200, svc.Breakers())
	})

	v1.GET("/metrics", func(ctx http.Context) error {
		return ctx.Result(200, map[string][]string{"names": svc.Metrics()})
	})

	v1.GET("/metrics/{name}", func(ctx http.Context) error {
		name := ctx.Vars().Get("name")
		limit := parseLimit(ctx.Query().Get("limit"))
		reply, err := svc.Metric(name, limit)
		if err != nil {
			return ctx.Result(404, map[string]string{"error": err.Error()})
		}
		return ctx.Result(200, reply)
	})

	v1.GET("/alerts", func(ctx http.Context) error {
		limit := parseLimit(ctx.Query().Get("limit"))
		return ctx.Result(200, svc.Alerts(limit))
	})

	v1.GET("/watchdog", func(ctx http.Context) error {
		return ctx.Result(200, svc.Watchdog())
	})
}

// parseLimit turns the limit query parameter into an int; absent or
// invalid values mean no limit.
func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
