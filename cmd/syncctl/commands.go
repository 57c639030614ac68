package main

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	outboxdomain "github.com/smallbiznis/sitebridge/internal/outbox/domain"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type processSummary struct {
	Requeued int64 `json:"requeued"`
	Batches  int   `json:"batches"`
	outboxdomain.BatchResult
}

func processCommand(c *cli) *cobra.Command {
	var (
		batches  int
		jobTypes []string
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Requeue stale jobs and drain outbox batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			if batches < 1 {
				return errors.New("--batches must be positive")
			}
			ctx := cmd.Context()
			requeued, err := c.deps.Requeuer.RequeueStale(ctx)
			if err != nil {
				return err
			}

			summary := processSummary{Requeued: requeued}
			for i := 0; i < batches; i++ {
				result, err := c.deps.Drainer.ProcessBatch(ctx, jobTypes)
				if err != nil {
					return err
				}
				summary.Batches++
				summary.BatchResult.Add(result)
				if result.Claimed == 0 {
					break
				}
			}
			return printJSON(cmd, summary)
		},
	}
	cmd.Flags().IntVar(&batches, "batches", 1, "maximum number of batches to drain")
	cmd.Flags().StringSliceVar(&jobTypes, "job-type", nil, "restrict draining to these job types")
	return cmd
}

func keepaliveCommand(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "keepalive",
		Short: "Refresh accounting connections nearing refresh-token expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				limit = c.deps.Policy.Get().KeepaliveBatch
			}
			result, err := c.deps.Accounting.KeepaliveSweep(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if result.Locked {
				c.deps.Log.Info("syncctl.keepalive.locked")
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "connections to scan (defaults to the sync policy batch)")
	return cmd
}

func retryCommand(c *cli) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Reset failed sync jobs and requeue records in error for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := parseOrg(org)
			if err != nil {
				return err
			}
			result, err := c.deps.Sync.RetryFailedSyncJobs(cmd.Context(), orgID)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "tenant id")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func diagnosticsCommand(c *cli) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Show connection health and queue counters for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := parseOrg(org)
			if err != nil {
				return err
			}
			diag, err := c.deps.Accounting.Diagnostics(cmd.Context(), orgID)
			if err != nil {
				return err
			}
			return printJSON(cmd, diag)
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "tenant id")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func syncInvoiceCommand(c *cli) *cobra.Command {
	var org, invoice string
	cmd := &cobra.Command{
		Use:   "sync-invoice",
		Short: "Push one invoice to QuickBooks immediately, bypassing the outbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := parseOrg(org)
			if err != nil {
				return err
			}
			invoiceID, err := snowflake.ParseString(invoice)
			if err != nil || invoiceID <= 0 {
				return fmt.Errorf("invalid --invoice %q", invoice)
			}
			result, err := c.deps.Sync.SyncInvoiceToQBO(cmd.Context(), orgID, invoiceID)
			if err != nil {
				c.deps.Log.Warn("syncctl.sync_invoice.failed",
					zap.String("org_id", orgID.String()),
					zap.String("invoice_id", invoiceID.String()),
					zap.Error(err),
				)
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "tenant id")
	cmd.Flags().StringVar(&invoice, "invoice", "", "invoice id")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("invoice")
	return cmd
}
