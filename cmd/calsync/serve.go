package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/beekhof/calensync/internal/queue"
	"github.com/beekhof/calensync/internal/watch"
	"github.com/beekhof/calensync/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive change notifications and run scheduled maintenance",
	Long: `Starts the webhook server on listen_addr. Notifications are reconciled in
the request, or handed to the in-process queue when queue_webhooks is set.

The daily resync, the sweep of notifications that were never processed and
the watch renewal run on the resync_schedule, sweep_schedule and
renew_schedule cron expressions.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	settings := a.cfg.Settings
	controller := webhook.NewController(a.repo, a.propagator, settings, webhook.WithLogger(a.log))

	handlerOpts := []webhook.HandlerOption{webhook.WithHandlerLogger(a.log)}
	errc := make(chan error, 2)
	if a.cfg.QueueWebhooks {
		q := queue.NewMemoryQueue(settings.QueueCapacity, settings.QueueMaxAttempts, queue.WithQueueLogger(a.log))
		consumer := queue.NewConsumer(a.repo, controller, a.propagator, settings, queue.WithLogger(a.log))
		handlerOpts = append(handlerOpts, webhook.WithQueue(q))
		go func() { errc <- consumer.Run(ctx, q) }()
	}

	scheduler, err := newScheduler(a, controller)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	server := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           webhook.NewHandler(controller, handlerOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.log.Info("webhook server listening", "addr", a.cfg.ListenAddr, "queued", a.cfg.QueueWebhooks)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("webhook server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
		if err != nil {
			a.log.Error("shutting down", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		a.log.Warn("server shutdown failed", "error", serr)
	}
	a.log.Info("stopped")
	return err
}

// newScheduler registers the daily resync, the sweep of unprocessed
// notifications and the watch renewal.
func newScheduler(a *app, controller *webhook.Controller) (*cron.Cron, error) {
	settings := a.cfg.Settings
	renewer := watch.NewManager(a.repo, a.registry, a.cfg.WebhookURL, settings, watch.WithLogger(a.log))
	c := cron.New()

	if _, err := c.AddFunc(settings.ResyncSchedule, func() {
		n, err := a.propagator.Resync(context.Background(), time.Time{})
		if err != nil {
			a.log.Error("scheduled resync failed", "error", err)
			return
		}
		a.log.Info("scheduled resync finished", "mutations", n)
	}); err != nil {
		return nil, fmt.Errorf("invalid resync_schedule %q: %w", settings.ResyncSchedule, err)
	}

	if _, err := c.AddFunc(settings.SweepSchedule, func() {
		n, err := controller.ProcessDue(context.Background())
		if err != nil {
			a.log.Error("sweep failed", "reconciled", n, "error", err)
			return
		}
		if n > 0 {
			a.log.Info("sweep reconciled calendars", "reconciled", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep_schedule %q: %w", settings.SweepSchedule, err)
	}

	if a.cfg.WebhookURL == "" {
		a.log.Warn("no webhook_url configured, watch renewal disabled")
		return c, nil
	}
	if _, err := c.AddFunc(settings.RenewSchedule, func() {
		n, err := renewer.RenewExpiring(context.Background())
		if err != nil {
			a.log.Error("scheduled watch renewal failed", "renewed", n, "error", err)
			return
		}
		a.log.Info("scheduled watch renewal finished", "renewed", n)
	}); err != nil {
		return nil, fmt.Errorf("invalid renew_schedule %q: %w", settings.RenewSchedule, err)
	}
	return c, nil
}
