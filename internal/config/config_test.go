package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

const jsonConfig = `{
	"google_credentials_path": "/config/credentials.json",
	"store_dsn": "/var/lib/calensync/state.db",
	"accounts": [
		{"name": "work", "type": "google", "token_path": "/config/work.json"},
		{"name": "icloud", "type": "caldav", "server_url": "https://caldav.icloud.com", "username": "me@icloud.com", "password": "secret"}
	],
	"settings": {"debounce_window": "2s", "watch_lookahead": "24h"}
}`

func TestLoadConfig_JSONFile(t *testing.T) {
	path := writeFile(t, "config.json", jsonConfig)

	config, err := LoadConfig(path, Overrides{})
	if err != nil {
		t.Fatalf("LoadConfig() returned an error: %v", err)
	}

	if config.StoreDSN != "/var/lib/calensync/state.db" {
		t.Errorf("Expected StoreDSN from file, got '%s'", config.StoreDSN)
	}
	if len(config.Accounts) != 2 {
		t.Fatalf("Expected 2 accounts, got %d", len(config.Accounts))
	}
	if config.Settings.DebounceWindow.Duration != 2*time.Second {
		t.Errorf("Expected DebounceWindow 2s, got %v", config.Settings.DebounceWindow)
	}
	if config.Settings.WatchLookahead.Duration != 24*time.Hour {
		t.Errorf("Expected WatchLookahead 24h, got %v", config.Settings.WatchLookahead)
	}
	// Untouched settings keep their defaults.
	if config.Settings.NewEventWindow.Duration != time.Second {
		t.Errorf("Expected default NewEventWindow 1s, got %v", config.Settings.NewEventWindow)
	}
	if config.Settings.WatchRetries != 3 {
		t.Errorf("Expected default WatchRetries 3, got %d", config.Settings.WatchRetries)
	}
	if config.ListenAddr != ":8080" {
		t.Errorf("Expected default ListenAddr ':8080', got '%s'", config.ListenAddr)
	}

	acct, ok := config.Account("icloud")
	if !ok || acct.Type != AccountCalDAV {
		t.Errorf("Expected caldav account 'icloud', got %+v", acct)
	}
}

func TestLoadConfig_TOMLFile(t *testing.T) {
	path := writeFile(t, "config.toml", `
google_credentials_path = "/config/credentials.json"
webhook_url = "https://sync.example.com/webhook"

[[accounts]]
name = "work"
type = "google"
token_path = "/config/work.json"

[settings]
new_event_window = "500ms"
days_in_advance = 14
`)

	config, err := LoadConfig(path, Overrides{})
	if err != nil {
		t.Fatalf("LoadConfig() returned an error: %v", err)
	}
	if config.WebhookURL != "https://sync.example.com/webhook" {
		t.Errorf("Expected WebhookURL from file, got '%s'", config.WebhookURL)
	}
	if config.Settings.NewEventWindow.Duration != 500*time.Millisecond {
		t.Errorf("Expected NewEventWindow 500ms, got %v", config.Settings.NewEventWindow)
	}
	if config.Settings.DaysInAdvance != 14 {
		t.Errorf("Expected DaysInAdvance 14, got %d", config.Settings.DaysInAdvance)
	}
	if config.Settings.DebounceWindow.Duration != time.Second {
		t.Errorf("Expected default DebounceWindow 1s, got %v", config.Settings.DebounceWindow)
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeFile(t, "config.json", jsonConfig)
	t.Setenv("CALENSYNC_STORE_DSN", "postgres://env/db")
	t.Setenv("CALENSYNC_LISTEN_ADDR", ":9000")
	t.Setenv("CALENSYNC_DEBOUNCE_WINDOW", "3s")

	config, err := LoadConfig(path, Overrides{ListenAddr: ":9100"})
	if err != nil {
		t.Fatalf("LoadConfig() returned an error: %v", err)
	}

	if config.StoreDSN != "postgres://env/db" {
		t.Errorf("Expected env to override file StoreDSN, got '%s'", config.StoreDSN)
	}
	if config.ListenAddr != ":9100" {
		t.Errorf("Expected flag to override env ListenAddr, got '%s'", config.ListenAddr)
	}
	if config.Settings.DebounceWindow.Duration != 3*time.Second {
		t.Errorf("Expected env DebounceWindow 3s, got %v", config.Settings.DebounceWindow)
	}
}

func TestLoadConfig_InvalidEnv(t *testing.T) {
	path := writeFile(t, "config.json", jsonConfig)
	t.Setenv("CALENSYNC_NEW_EVENT_WINDOW", "soon")

	if _, err := LoadConfig(path, Overrides{}); err == nil {
		t.Fatal("Expected an error for an invalid duration")
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"no accounts", `{"accounts": []}`, "at least one account"},
		{"bad type", `{"accounts": [{"name": "a", "type": "exchange"}]}`, "must be 'google' or 'caldav'"},
		{"google without token", `{"google_credentials_path": "/c.json", "accounts": [{"name": "a", "type": "google"}]}`, "token_path"},
		{"google without credentials", `{"accounts": [{"name": "a", "type": "google", "token_path": "/t.json"}]}`, "google_credentials_path"},
		{"caldav without password", `{"accounts": [{"name": "a", "type": "caldav", "server_url": "https://x", "username": "u"}]}`, "password"},
		{"duplicate", `{"google_credentials_path": "/c.json", "accounts": [{"name": "a", "type": "google", "token_path": "/t"}, {"name": "a", "type": "google", "token_path": "/u"}]}`, "duplicate"},
		{"zero retries", `{"google_credentials_path": "/c.json", "accounts": [{"name": "a", "type": "google", "token_path": "/t"}], "settings": {"watch_retries": 0}}`, "watch_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "config.json", tt.content)
			_, err := LoadConfig(path, Overrides{})
			if err == nil {
				t.Fatalf("Expected an error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadGoogleCredentials(t *testing.T) {
	installed := writeFile(t, "installed.json", `{"installed": {"client_id": "id-1", "client_secret": "s-1"}}`)
	id, secret, err := LoadGoogleCredentials(installed)
	if err != nil {
		t.Fatalf("LoadGoogleCredentials() returned an error: %v", err)
	}
	if id != "id-1" || secret != "s-1" {
		t.Errorf("Expected id-1/s-1, got %s/%s", id, secret)
	}

	web := writeFile(t, "web.json", `{"web": {"client_id": "id-2", "client_secret": "s-2"}}`)
	if id, _, _ = LoadGoogleCredentials(web); id != "id-2" {
		t.Errorf("Expected id-2, got %s", id)
	}

	empty := writeFile(t, "empty.json", `{}`)
	if _, _, err = LoadGoogleCredentials(empty); err == nil {
		t.Error("Expected an error for credentials without client_id")
	}
}
