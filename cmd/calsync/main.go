// Command calsync mirrors events between linked calendars.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/beekhof/calensync/internal/auth"
	"github.com/beekhof/calensync/internal/calendar"
	"github.com/beekhof/calensync/internal/config"
	"github.com/beekhof/calensync/internal/logging"
	"github.com/beekhof/calensync/internal/propagate"
	"github.com/beekhof/calensync/internal/store"
)

var (
	configFile string
	verbose    bool
	overrides  config.Overrides
)

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Mirror calendar events along sync rules",
	Long: `calsync links external calendars (Google Calendar or CalDAV) and keeps
busy-blocker copies of source events in destination calendars.

Changes arrive through provider push notifications handled by "calsync serve".
A daily resync repairs anything a notification missed.

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables (GOOGLE_CREDENTIALS_PATH, CALENSYNC_STORE_DSN,
       CALENSYNC_LISTEN_ADDR, CALENSYNC_WEBHOOK_URL, CALENSYNC_QUEUE_WEBHOOKS,
       CALENSYNC_NEW_EVENT_WINDOW, CALENSYNC_DEBOUNCE_WINDOW,
       CALENSYNC_WATCH_LOOKAHEAD, CALENSYNC_DAYS_IN_ADVANCE)
    3. Config file (--config, JSON or TOML)
    4. Defaults`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "path to JSON or TOML config file")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&overrides.GoogleCredentialsPath, "google-credentials-path", "", "path to Google OAuth credentials JSON file")
	flags.StringVar(&overrides.StoreDSN, "store-dsn", "", "store location: memory://, a SQLite path, or a postgres:// URL")
	flags.StringVar(&overrides.ListenAddr, "listen-addr", "", "address the webhook server listens on")
	flags.StringVar(&overrides.WebhookURL, "webhook-url", "", "public URL providers deliver notifications to")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the wiring shared by every command.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	repo       store.Repository
	registry   *calendar.Registry
	propagator *propagate.Propagator
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(configFile, overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logging.New(os.Stderr, verbose)

	oauthConfig, err := googleOAuthConfig(cfg)
	if err != nil {
		return nil, err
	}

	repo, err := store.Open(ctx, cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := calendar.NewRegistry(calendar.AccountFactory(cfg, oauthConfig), repo, log)
	p := propagate.New(repo, registry, cfg.Settings,
		propagate.WithLogger(log),
		propagate.WithWebhookURL(cfg.WebhookURL),
	)
	return &app{cfg: cfg, log: log, repo: repo, registry: registry, propagator: p}, nil
}

func (a *app) Close() {
	if err := a.repo.Close(); err != nil {
		a.log.Warn("failed to close store", "error", err)
	}
}

// googleOAuthConfig returns nil when no Google account is configured.
func googleOAuthConfig(cfg *config.Config) (*oauth2.Config, error) {
	if !cfg.HasGoogleAccounts() {
		return nil, nil
	}
	clientID, clientSecret, err := config.LoadGoogleCredentials(cfg.GoogleCredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load Google credentials: %w", err)
	}
	return auth.GoogleConfig(clientID, clientSecret), nil
}
