package qbosync

import (
	accountingdomain "github.com/smallbiznis/sitebridge/internal/accounting/domain"
	"github.com/smallbiznis/sitebridge/internal/outbox"
	"github.com/smallbiznis/sitebridge/internal/qbo"
	"github.com/smallbiznis/sitebridge/internal/qbosync/domain"
	"github.com/smallbiznis/sitebridge/internal/qbosync/repository"
	"github.com/smallbiznis/sitebridge/internal/qbosync/service"
	"go.uber.org/fx"
)

var Module = fx.Module("qbosync.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(
		func(s *service.Service) domain.Service { return s },
		func(c *qbo.Client) domain.AccountingAPI { return c },
		func(s accountingdomain.Service) domain.Connections { return s },
	),
	fx.Provide(
		outbox.AsHandler(service.NewInvoiceHandler),
		outbox.AsHandler(service.NewPaymentHandler),
	),
)
