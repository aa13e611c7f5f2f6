package main

import (
	"encoding/json"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/config"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
)

func migrateCmd() *cobra.Command {
	var withCatalog bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := ledger.Open(cfg.LedgerConfig())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(); err != nil {
				return err
			}
			if withCatalog {
				if err := store.DB().AutoMigrate(&models.Listing{}); err != nil {
					return err
				}
			}
			log.WithField("database", cfg.Database.Driver).Info("Ledger migrated")
			return nil
		},
	}
	cmd.Flags().BoolVar(&withCatalog, "with-catalog", false, "also create the listings table (local development)")
	return cmd
}

// sweepEscrowCmd is meant to be run by an external scheduler; it makes no
// assumption about how often.
func sweepEscrowCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep-escrow",
		Short: "Release escrow holds whose auto-release time has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.service.ReleaseDueEscrows(cmd.Context(), time.Now().UTC(), batch(limit, a.cfg, "sweep"))
			if err != nil {
				return err
			}
			return printReport(report)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum holds to release (default escrow.sweep_batch)")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var limit int
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Ask providers about payments stuck in processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			if olderThan <= 0 {
				olderThan = a.cfg.Payments.ReconcileAfter
			}
			report, err := a.service.ReconcilePayments(cmd.Context(), olderThan, batch(limit, a.cfg, "reconcile"))
			if err != nil {
				return err
			}
			return printReport(report)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum transactions to check (default payments.reconcile_batch)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only check transactions processing for longer than this (default payments.reconcile_after)")
	return cmd
}

func batch(flag int, cfg *config.Config, job string) int {
	if flag > 0 {
		return flag
	}
	if job == "sweep" {
		return cfg.Escrow.SweepBatch
	}
	return cfg.Payments.ReconcileBatch
}

func printReport(report interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
