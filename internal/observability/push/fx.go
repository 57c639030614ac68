package push

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/sitebridge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module pushes the default registry on an interval and once more on stop.
var Module = fx.Module("metrics.push",
	fx.Provide(NewPusher),
	fx.Invoke(StartPeriodicPush),
)

func StartPeriodicPush(lc fx.Lifecycle, cfg config.Config, pusher Pusher, log *zap.Logger) {
	if pusher == nil {
		return
	}
	interval := time.Duration(cfg.MetricsPush.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	log = log.Named("metrics.push")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if err := pusher.Push(ctx, prometheus.DefaultGatherer); err != nil {
							log.Warn("metrics.push.failed", zap.Error(err))
						}
					case <-ctx.Done():
						return
					}
				}
			}()
			log.Info("metrics.push.started", zap.Duration("interval", interval))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			<-done
			if err := pusher.Push(stopCtx, prometheus.DefaultGatherer); err != nil {
				log.Warn("metrics.push.final_failed", zap.Error(err))
			}
			return nil
		},
	})
}
