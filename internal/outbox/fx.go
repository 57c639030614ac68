package outbox

import (
	"github.com/smallbiznis/sitebridge/internal/outbox/domain"
	"github.com/smallbiznis/sitebridge/internal/outbox/repository"
	"github.com/smallbiznis/sitebridge/internal/outbox/service"
	"go.uber.org/fx"
)

var Module = fx.Module("outbox",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(service.NewWorker),
	fx.Provide(func(s *service.Service) domain.Enqueuer { return s }),
	fx.Provide(func(s *service.Service) domain.Inspector { return s }),
)

// AsHandler registers a constructor's result as a job handler.
func AsHandler(constructor any) any {
	return fx.Annotate(
		constructor,
		fx.As(new(domain.Handler)),
		fx.ResultTags(`group:"outbox_handlers"`),
	)
}
