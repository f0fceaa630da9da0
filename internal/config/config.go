package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// minPollInterval is the floor for the auto-poll interval. Shorter
	// intervals hammer the remote store without improving freshness in
	// any meaningful way.
	minPollInterval = 5 * time.Second

	// minCallTimeout is the floor for the per-call collaborator timeout.
	minCallTimeout = time.Second
)

// Config holds all environment-based configuration for editor-sync.
type Config struct {
	// Remote store endpoint and credentials (required).
	RemoteURL   string `env:"SYNC_REMOTE_URL"`
	RemoteToken string `env:"SYNC_REMOTE_TOKEN"`

	// Profile identifies the canonical settings blob on the remote store.
	// Multiple machines syncing the same profile converge on one config.
	Profile string `env:"SYNC_PROFILE" envDefault:"default"`

	// SnapshotPassphrase enables end-to-end encryption of the uploaded
	// snapshot when non-empty. All devices syncing the profile must use
	// the same passphrase.
	SnapshotPassphrase string `env:"SYNC_SNAPSHOT_PASSPHRASE"`

	// Editor binary used for extension install/uninstall.
	EditorBin string `env:"EDITOR_BIN" envDefault:"code"`

	// ExtensionsDir is the editor's installed-extensions directory.
	// Defaults to ~/.vscode/extensions.
	ExtensionsDir string `env:"EDITOR_EXTENSIONS_DIR"`

	// SettingsPath is the editor's user settings file. Defaults to
	// <user config dir>/Code/User/settings.json.
	SettingsPath string `env:"EDITOR_SETTINGS_PATH"`

	// IgnoreFile is an optional YAML file listing extensions and settings
	// keys excluded from sync.
	IgnoreFile string `env:"SYNC_IGNORE_FILE"`

	// PollInterval is the auto-poll period armed after the first
	// successful pass.
	PollInterval time.Duration `env:"SYNC_POLL_INTERVAL" envDefault:"60s"`

	// CallTimeout bounds each collaborator call inside a pass so a hung
	// remote call cannot hold the sync lock indefinitely.
	CallTimeout time.Duration `env:"SYNC_CALL_TIMEOUT" envDefault:"30s"`

	// WatchLocal enables the fsnotify trigger on the settings file and
	// extensions directory.
	WatchLocal bool `env:"SYNC_WATCH_LOCAL" envDefault:"true"`

	// ChangeFeed enables the WebSocket subscription that nudges the
	// engine when another device saves. FeedURL overrides the address
	// derived from RemoteURL.
	ChangeFeed bool   `env:"SYNC_CHANGE_FEED" envDefault:"false"`
	FeedURL    string `env:"SYNC_FEED_URL"`

	// DeviceName this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format; LogLevel overrides the default level.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the remote token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "editor-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in the editor paths when not explicitly configured
// and resolves configured paths to absolute form so downstream checks can
// rely on string prefix comparison.
func (c *Config) applyDefaults() error {
	if c.ExtensionsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("determining home directory: %w", err)
		}

		c.ExtensionsDir = filepath.Join(home, ".vscode", "extensions")
	}

	if c.SettingsPath == "" {
		confDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("determining config directory: %w", err)
		}

		c.SettingsPath = filepath.Join(confDir, "Code", "User", "settings.json")
	}

	for _, p := range []*string{&c.ExtensionsDir, &c.SettingsPath, &c.IgnoreFile} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolving path %q: %w", *p, err)
		}

		*p = abs
	}

	return nil
}

func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("SYNC_REMOTE_URL is required")
	}

	u, err := url.Parse(c.RemoteURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("SYNC_REMOTE_URL must be an http(s) URL")
	}

	if c.RemoteToken == "" {
		return fmt.Errorf("SYNC_REMOTE_TOKEN is required")
	}

	if c.Profile == "" {
		return fmt.Errorf("SYNC_PROFILE must not be empty")
	}

	if c.PollInterval < minPollInterval {
		return fmt.Errorf("SYNC_POLL_INTERVAL must be at least %s", minPollInterval)
	}

	if c.CallTimeout < minCallTimeout {
		return fmt.Errorf("SYNC_CALL_TIMEOUT must be at least %s", minCallTimeout)
	}

	return nil
}

// ResolveFeedURL returns the WebSocket endpoint for the change feed.
// When SYNC_FEED_URL is unset it is derived from RemoteURL by swapping
// the scheme to ws(s) and appending the feed path.
func (c *Config) ResolveFeedURL() string {
	if c.FeedURL != "" {
		return c.FeedURL
	}

	feed := c.RemoteURL
	if strings.HasPrefix(feed, "https://") {
		feed = "wss://" + strings.TrimPrefix(feed, "https://")
	} else if strings.HasPrefix(feed, "http://") {
		feed = "ws://" + strings.TrimPrefix(feed, "http://")
	}

	return strings.TrimSuffix(feed, "/") + "/feed"
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
