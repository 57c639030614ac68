package accounting

import (
	"github.com/smallbiznis/sitebridge/internal/accounting/domain"
	"github.com/smallbiznis/sitebridge/internal/accounting/repository"
	"github.com/smallbiznis/sitebridge/internal/accounting/service"
	"github.com/smallbiznis/sitebridge/internal/qbo"
	"go.uber.org/fx"
)

var Module = fx.Module("accounting.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(
		func(c *qbo.OAuthClient) domain.OAuthProvider { return c },
		func(c *qbo.Client) domain.InvoiceNumberSource { return c },
	),
)
