package scheduler

import (
	"context"

	accountingdomain "github.com/smallbiznis/sitebridge/internal/accounting/domain"
	outboxservice "github.com/smallbiznis/sitebridge/internal/outbox/service"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(
		func(w *outboxservice.Worker) OutboxDrainer { return w },
		func(s *outboxservice.Service) StaleRequeuer { return s },
		func(s accountingdomain.Service) KeepaliveSweeper { return s },
	),
	fx.Provide(New),
)

// RunModule starts the loop with the process. Only the worker process
// includes it; the API relies on cron-triggered endpoints instead.
var RunModule = fx.Module("scheduler.run",
	fx.Invoke(StartScheduler),
)

func StartScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
