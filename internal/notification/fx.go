package notification

import (
	"github.com/smallbiznis/sitebridge/internal/notification/email"
	"github.com/smallbiznis/sitebridge/internal/notification/repository"
	"github.com/smallbiznis/sitebridge/internal/notification/service"
	"github.com/smallbiznis/sitebridge/internal/outbox"
	"go.uber.org/fx"
)

var Module = fx.Module("notification.service",
	fx.Provide(email.NewFromConfig),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(outbox.AsHandler(service.NewDeliverHandler)),
)
