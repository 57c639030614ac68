package events

import (
	"github.com/smallbiznis/sitebridge/internal/events/repository"
	"github.com/smallbiznis/sitebridge/internal/events/service"
	"go.uber.org/fx"
)

var Module = fx.Module("events.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
