package main

import (
	"github.com/smallbiznis/sitebridge/internal/bootstrap"
	"github.com/smallbiznis/sitebridge/internal/observability/push"
	"github.com/smallbiznis/sitebridge/internal/scheduler"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		bootstrap.Infrastructure,
		bootstrap.Domains,

		// No server module! Metrics leave the process by push instead.
		push.Module,
		scheduler.RunModule,
	)
	app.Run()
}
