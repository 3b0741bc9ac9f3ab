package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/beekhof/calensync/internal/watch"
	"github.com/beekhof/calensync/internal/webhook"
)

var resyncDay string

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Repair every rule for one day",
	Long: `Compares sources and destinations over one UTC day and inserts, updates or
deletes copies until they match. By default the day is resync_offset_days
ahead of today.`,
	Args: cobra.NoArgs,
	RunE: runResync,
}

var renewCmd = &cobra.Command{
	Use:   "renew-watches",
	Short: "Renew push subscriptions that are about to expire",
	Args:  cobra.NoArgs,
	RunE:  runRenew,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile calendars whose notifications were never processed",
	Long: `Reconciles every unpaused calendar that received a notification after its
last completed pass and has been quiet for sweep_after. "serve" runs this on
sweep_schedule.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Report rules whose copies have drifted",
	Args:  cobra.NoArgs,
	RunE:  runVerify,
}

func init() {
	resyncCmd.Flags().StringVar(&resyncDay, "day", "", "day to check, as YYYY-MM-DD")
	rootCmd.AddCommand(resyncCmd, renewCmd, sweepCmd, verifyCmd)
}

func runResync(cmd *cobra.Command, _ []string) error {
	var day time.Time
	if resyncDay != "" {
		d, err := time.Parse(time.DateOnly, resyncDay)
		if err != nil {
			return fmt.Errorf("invalid --day value: %w", err)
		}
		day = d
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.propagator.Resync(ctx, day)
	if err != nil {
		return fmt.Errorf("resync failed: %w", err)
	}
	cmd.Printf("Resync made %d change(s).\n", n)
	return nil
}

func runRenew(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	m := watch.NewManager(a.repo, a.registry, a.cfg.WebhookURL, a.cfg.Settings, watch.WithLogger(a.log))
	n, err := m.RenewExpiring(ctx)
	cmd.Printf("Renewed %d watch(es).\n", n)
	if err != nil {
		return fmt.Errorf("watch renewal failed: %w", err)
	}
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	controller := webhook.NewController(a.repo, a.propagator, a.cfg.Settings, webhook.WithLogger(a.log))
	n, err := controller.ProcessDue(ctx)
	cmd.Printf("Reconciled %d calendar(s).\n", n)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	return nil
}

func runVerify(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	reports, err := a.propagator.Verify(ctx)
	if err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}

	drifted := 0
	for _, r := range reports {
		if r.InSync() {
			cmd.Printf("rule %s: in sync\n", r.RuleID)
			continue
		}
		drifted++
		cmd.Printf("rule %s: %d missing, %d outdated, %d stale\n", r.RuleID, r.Missing, r.Outdated, r.Stale)
	}
	if drifted > 0 {
		return fmt.Errorf("%d of %d rule(s) out of sync; run \"calsync resync\"", drifted, len(reports))
	}
	return nil
}
