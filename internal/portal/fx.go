package portal

import (
	"github.com/smallbiznis/sitebridge/internal/portal/repository"
	"github.com/smallbiznis/sitebridge/internal/portal/service"
	"github.com/smallbiznis/sitebridge/internal/portal/session"
	"go.uber.org/fx"
)

var Module = fx.Module("portal.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.ProvideBidTokenHasher),
	fx.Provide(service.NewService),
	fx.Provide(session.NewManager),
)
