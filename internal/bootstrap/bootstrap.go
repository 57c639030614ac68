package bootstrap

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/accounting"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/config"
	"github.com/smallbiznis/sitebridge/internal/drawings"
	"github.com/smallbiznis/sitebridge/internal/events"
	"github.com/smallbiznis/sitebridge/internal/notification"
	"github.com/smallbiznis/sitebridge/internal/observability"
	"github.com/smallbiznis/sitebridge/internal/outbox"
	"github.com/smallbiznis/sitebridge/internal/portal"
	"github.com/smallbiznis/sitebridge/internal/qbo"
	"github.com/smallbiznis/sitebridge/internal/qbosync"
	"github.com/smallbiznis/sitebridge/internal/ratelimit"
	"github.com/smallbiznis/sitebridge/internal/scheduler"
	"github.com/smallbiznis/sitebridge/internal/vault"
	"github.com/smallbiznis/sitebridge/pkg/db"
	"go.uber.org/fx"
)

// Infrastructure is shared by every process.
var Infrastructure = fx.Options(
	config.Module,
	observability.Module,
	fx.Provide(RegisterSnowflake),
	db.Module,
	clock.Module,
	ratelimit.Module,
	vault.Module,
)

// Domains wires the sync pipeline and its outbox handlers.
var Domains = fx.Options(
	qbo.Module,
	events.Module,
	outbox.Module,
	accounting.Module,
	qbosync.Module,
	portal.Module,
	notification.Module,
	drawings.Module,
	scheduler.Module,
)

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
