package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	accountingdomain "github.com/smallbiznis/sitebridge/internal/accounting/domain"
	"github.com/smallbiznis/sitebridge/internal/bootstrap"
	"github.com/smallbiznis/sitebridge/internal/config"
	"github.com/smallbiznis/sitebridge/internal/observability/push"
	qbosyncdomain "github.com/smallbiznis/sitebridge/internal/qbosync/domain"
	"github.com/smallbiznis/sitebridge/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const startTimeout = 30 * time.Second

// deps is what the operator commands reach into.
type deps struct {
	fx.In

	Log        *zap.Logger
	Policy     *config.SyncPolicyHolder
	Drainer    scheduler.OutboxDrainer
	Requeuer   scheduler.StaleRequeuer
	Accounting accountingdomain.Service
	Sync       qbosyncdomain.Service
}

type cli struct {
	app  *fx.App
	deps deps
}

func (c *cli) start(cmd *cobra.Command, _ []string) error {
	c.app = fx.New(
		bootstrap.Infrastructure,
		bootstrap.Domains,
		push.Module,
		fx.NopLogger,
		fx.Invoke(func(d deps) { c.deps = d }),
	)
	if err := c.app.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), startTimeout)
	defer cancel()
	return c.app.Start(ctx)
}

func (c *cli) stop(cmd *cobra.Command, _ []string) error {
	if c.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	return c.app.Stop(ctx)
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:                "syncctl",
		Short:              "Operate the accounting sync pipeline",
		SilenceUsage:       true,
		PersistentPreRunE:  c.start,
		PersistentPostRunE: c.stop,
	}

	root.AddCommand(
		processCommand(c),
		keepaliveCommand(c),
		retryCommand(c),
		diagnosticsCommand(c),
		syncInvoiceCommand(c),
	)
	return root
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseOrg(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid --org %q", raw)
	}
	return id, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
