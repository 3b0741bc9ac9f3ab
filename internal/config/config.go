package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// GoogleCredentials represents the structure of Google OAuth credentials JSON file.
type GoogleCredentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleCredentials loads Google OAuth credentials from a JSON file.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}

	// Try "installed" first (for desktop apps), then "web"
	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}

	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// Account types.
const (
	AccountGoogle = "google"
	AccountCalDAV = "caldav"
)

// Account is one set of provider credentials. Calendars reference accounts by
// name.
type Account struct {
	Name      string `json:"name" toml:"name"`
	Type      string `json:"type" toml:"type"`                                 // "google" or "caldav"
	TokenPath string `json:"token_path,omitempty" toml:"token_path,omitempty"` // Google: OAuth token file

	// CalDAV specific fields
	ServerURL string `json:"server_url,omitempty" toml:"server_url,omitempty"` // e.g. "https://caldav.icloud.com"
	Username  string `json:"username,omitempty" toml:"username,omitempty"`
	Password  string `json:"password,omitempty" toml:"password,omitempty"` // App-specific password
}

// Duration is a time.Duration written as "1s", "36h" in config files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Settings are the tunable constants of the reconciliation core. They are
// read once at startup and passed by value; nothing mutates them afterwards.
type Settings struct {
	// NewEventWindow is the largest created/updated gap for an event to count
	// as newly created.
	NewEventWindow Duration `json:"new_event_window" toml:"new_event_window"`
	// DebounceWindow is how long after its last mirrored write a calendar
	// rejects change notifications.
	DebounceWindow Duration `json:"debounce_window" toml:"debounce_window"`

	WatchLookahead  Duration `json:"watch_lookahead" toml:"watch_lookahead"`
	WatchTTL        Duration `json:"watch_ttl" toml:"watch_ttl"`
	WatchRetries    int      `json:"watch_retries" toml:"watch_retries"`
	WatchRetryDelay Duration `json:"watch_retry_delay" toml:"watch_retry_delay"`

	// DaysInAdvance is the window copied when a rule is created.
	DaysInAdvance int `json:"days_in_advance" toml:"days_in_advance"`
	// ResyncOffsetDays picks the day checked by the daily resync.
	ResyncOffsetDays int `json:"resync_offset_days" toml:"resync_offset_days"`
	// StaleAfter is how long an unfinished pass blocks queued webhooks.
	StaleAfter Duration `json:"stale_after" toml:"stale_after"`
	// SweepAfter is how long a calendar with an unprocessed notification must
	// have been quiet before the sweep reconciles it.
	SweepAfter Duration `json:"sweep_after" toml:"sweep_after"`

	QueueCapacity    int `json:"queue_capacity" toml:"queue_capacity"`
	QueueBatchSize   int `json:"queue_batch_size" toml:"queue_batch_size"`
	QueueMaxAttempts int `json:"queue_max_attempts" toml:"queue_max_attempts"`

	RequestsPerSecond float64 `json:"requests_per_second" toml:"requests_per_second"`
	RequestBurst      int     `json:"request_burst" toml:"request_burst"`

	// Cron expressions used by "serve".
	ResyncSchedule string `json:"resync_schedule" toml:"resync_schedule"`
	RenewSchedule  string `json:"renew_schedule" toml:"renew_schedule"`
	SweepSchedule  string `json:"sweep_schedule" toml:"sweep_schedule"`
}

// DefaultSettings returns the built-in values.
func DefaultSettings() Settings {
	return Settings{
		NewEventWindow:    Duration{time.Second},
		DebounceWindow:    Duration{time.Second},
		WatchLookahead:    Duration{36 * time.Hour},
		WatchTTL:          Duration{7 * 24 * time.Hour},
		WatchRetries:      3,
		WatchRetryDelay:   Duration{5 * time.Second},
		DaysInAdvance:     30,
		ResyncOffsetDays:  30,
		StaleAfter:        Duration{10 * time.Minute},
		SweepAfter:        Duration{time.Minute},
		QueueCapacity:     1000,
		QueueBatchSize:    10,
		QueueMaxAttempts:  5,
		RequestsPerSecond: 5,
		RequestBurst:      10,
		ResyncSchedule:    "0 3 * * *",
		RenewSchedule:     "0 * * * *",
		SweepSchedule:     "* * * * *",
	}
}

// Config holds the configuration for calensync.
type Config struct {
	GoogleCredentialsPath string `json:"google_credentials_path,omitempty" toml:"google_credentials_path,omitempty"`

	// StoreDSN selects the repository: "memory://", a SQLite file path or
	// "sqlite://path", or a "postgres://" URL.
	StoreDSN string `json:"store_dsn,omitempty" toml:"store_dsn,omitempty"`

	ListenAddr string `json:"listen_addr,omitempty" toml:"listen_addr,omitempty"`
	// WebhookURL is the public address providers deliver notifications to.
	WebhookURL string `json:"webhook_url,omitempty" toml:"webhook_url,omitempty"`
	// QueueWebhooks relays notifications through the in-process queue instead
	// of reconciling inside the HTTP request.
	QueueWebhooks bool `json:"queue_webhooks,omitempty" toml:"queue_webhooks,omitempty"`

	Accounts []Account `json:"accounts" toml:"accounts"`
	Settings Settings  `json:"settings" toml:"settings"`
}

// Account returns the account with the given name.
func (c *Config) Account(name string) (Account, bool) {
	for _, a := range c.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return Account{}, false
}

// HasGoogleAccounts reports whether any account needs OAuth credentials.
func (c *Config) HasGoogleAccounts() bool {
	for _, a := range c.Accounts {
		if a.Type == AccountGoogle {
			return true
		}
	}
	return false
}

// Overrides are command-line values that take precedence over everything else.
type Overrides struct {
	GoogleCredentialsPath string
	StoreDSN              string
	ListenAddr            string
	WebhookURL            string
}

// LoadConfigFromFile loads configuration from a JSON or TOML file, chosen by
// extension.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{Settings: DefaultSettings()}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &config, nil
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables
// 3. Config file
// 4. Defaults
// Returns an error if any required value is missing.
func LoadConfig(configFile string, flags Overrides) (*Config, error) {
	config := Config{Settings: DefaultSettings()}

	// Step 1: Load from config file if provided
	if configFile != "" {
		fileConfig, err := LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
		config = *fileConfig
	}

	// Step 2: Override with environment variables
	if err := applyEnv(&config); err != nil {
		return nil, err
	}

	// Step 3: Override with command-line flags (highest priority)
	if flags.GoogleCredentialsPath != "" {
		config.GoogleCredentialsPath = flags.GoogleCredentialsPath
	}
	if flags.StoreDSN != "" {
		config.StoreDSN = flags.StoreDSN
	}
	if flags.ListenAddr != "" {
		config.ListenAddr = flags.ListenAddr
	}
	if flags.WebhookURL != "" {
		config.WebhookURL = flags.WebhookURL
	}

	// Step 4: Apply defaults and validate
	if config.StoreDSN == "" {
		config.StoreDSN = "calensync.db"
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyEnv(config *Config) error {
	if v := os.Getenv("GOOGLE_CREDENTIALS_PATH"); v != "" {
		config.GoogleCredentialsPath = v
	}
	if v := os.Getenv("CALENSYNC_STORE_DSN"); v != "" {
		config.StoreDSN = v
	}
	if v := os.Getenv("CALENSYNC_LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("CALENSYNC_WEBHOOK_URL"); v != "" {
		config.WebhookURL = v
	}
	if v := os.Getenv("CALENSYNC_QUEUE_WEBHOOKS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CALENSYNC_QUEUE_WEBHOOKS value: %w", err)
		}
		config.QueueWebhooks = b
	}

	durations := map[string]*Duration{
		"CALENSYNC_NEW_EVENT_WINDOW": &config.Settings.NewEventWindow,
		"CALENSYNC_DEBOUNCE_WINDOW":  &config.Settings.DebounceWindow,
		"CALENSYNC_WATCH_LOOKAHEAD":  &config.Settings.WatchLookahead,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("invalid %s value: %w", name, err)
			}
		}
	}

	if v := os.Getenv("CALENSYNC_DAYS_IN_ADVANCE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CALENSYNC_DAYS_IN_ADVANCE value: %w", err)
		}
		config.Settings.DaysInAdvance = n
	}
	return nil
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("accounts array must be provided in config file. At least one account is required")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		acct := &c.Accounts[i]

		if acct.Name == "" {
			return fmt.Errorf("accounts[%d].name must be provided", i)
		}
		if seen[acct.Name] {
			return fmt.Errorf("accounts[%d]: duplicate account name '%s'", i, acct.Name)
		}
		seen[acct.Name] = true

		switch acct.Type {
		case AccountGoogle:
			if acct.TokenPath == "" {
				return fmt.Errorf("accounts[%d] (name: %s): token_path must be provided for Google accounts", i, acct.Name)
			}
		case AccountCalDAV:
			if acct.ServerURL == "" {
				return fmt.Errorf("accounts[%d] (name: %s): server_url must be provided for CalDAV accounts", i, acct.Name)
			}
			if acct.Username == "" {
				return fmt.Errorf("accounts[%d] (name: %s): username must be provided for CalDAV accounts", i, acct.Name)
			}
			if acct.Password == "" {
				return fmt.Errorf("accounts[%d] (name: %s): password must be provided for CalDAV accounts", i, acct.Name)
			}
		default:
			return fmt.Errorf("accounts[%d].type must be 'google' or 'caldav', got '%s'", i, acct.Type)
		}
	}

	if c.HasGoogleAccounts() && c.GoogleCredentialsPath == "" {
		return fmt.Errorf("google_credentials_path must be provided via --google-credentials-path flag, GOOGLE_CREDENTIALS_PATH environment variable, or config file")
	}

	s := c.Settings
	if s.NewEventWindow.Duration <= 0 || s.DebounceWindow.Duration <= 0 {
		return fmt.Errorf("settings: new_event_window and debounce_window must be positive")
	}
	if s.WatchRetries < 1 {
		return fmt.Errorf("settings.watch_retries must be at least 1, got %d", s.WatchRetries)
	}
	if s.DaysInAdvance < 1 {
		return fmt.Errorf("settings.days_in_advance must be at least 1, got %d", s.DaysInAdvance)
	}
	return nil
}
