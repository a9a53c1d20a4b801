//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"SkillGuard/internal/conf"
	"SkillGuard/internal/server"
	"SkillGuard/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Bootstrap, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		wire.FieldsOf(new(*conf.Bootstrap), "Server"),
		newRedis,
		newProtectionSuite,
		provideMonitor,
		provideInstruments,
		service.NewMonitorService,
		server.NewHTTPServer,
		newApp,
	))
}
