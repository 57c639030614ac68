package main

import (
	"github.com/smallbiznis/sitebridge/internal/bootstrap"
	"github.com/smallbiznis/sitebridge/internal/migration"
	"github.com/smallbiznis/sitebridge/internal/server"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		bootstrap.Infrastructure,
		migration.Module,
		bootstrap.Domains,

		// outbox draining is driven through /internal cron endpoints here
		server.Module,
	)
	app.Run()
}
