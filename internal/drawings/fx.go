package drawings

import (
	"github.com/smallbiznis/sitebridge/internal/drawings/repository"
	"github.com/smallbiznis/sitebridge/internal/drawings/service"
	"github.com/smallbiznis/sitebridge/internal/drawings/tiles"
	"github.com/smallbiznis/sitebridge/internal/outbox"
	"go.uber.org/fx"
)

var Module = fx.Module("drawings.service",
	fx.Provide(tiles.ProvideClient),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(outbox.AsHandler(service.NewGenerateTilesHandler)),
	fx.Provide(outbox.AsHandler(service.NewRefreshSheetsListHandler)),
)
