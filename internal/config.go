package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Download DownloadConfig `mapstructure:"download"`
	Network  NetworkConfig  `mapstructure:"network"`
	Tidal    TidalConfig    `mapstructure:"tidal"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DownloadConfig holds transfer and layout configuration
type DownloadConfig struct {
	Folder           string `mapstructure:"folder"`
	Workers          int    `mapstructure:"workers"`
	QueueSize        int    `mapstructure:"queue_size"`
	PageConcurrency  int    `mapstructure:"page_concurrency"`
	TrackConcurrency int    `mapstructure:"track_concurrency"`
	BandwidthLimit   string `mapstructure:"bandwidth_limit"`
	EmbedArtwork     bool   `mapstructure:"embed_artwork"`
	ArtworkSize      int    `mapstructure:"artwork_size"`
}

// NetworkConfig holds HTTP client configuration
type NetworkConfig struct {
	RequestTimeout     int    `mapstructure:"request_timeout"` // seconds
	MaxAttempts        int    `mapstructure:"max_attempts"`
	MaxConcurrency     int    `mapstructure:"max_concurrency"`
	RequestsPerMinute  int    `mapstructure:"requests_per_minute"` // 0 disables pacing
	Proxy              string `mapstructure:"proxy"`
	UserAgent          string `mapstructure:"user_agent"`
}

// TidalConfig holds backend credentials and preferences. The client ID and
// secret are user-supplied; they are never written to logs.
type TidalConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	AccessToken  string `mapstructure:"access_token"`
	RefreshToken string `mapstructure:"refresh_token"`
	TokenExpiry  int64  `mapstructure:"token_expiry"` // unix seconds
	UserID       string `mapstructure:"user_id"`
	CountryCode  string `mapstructure:"country_code"`
	Quality      int    `mapstructure:"quality"`
}

// Tokens assembles the persisted credential set for the auth manager.
func (c TidalConfig) Tokens() AuthTokens {
	var expiry time.Time
	if c.TokenExpiry > 0 {
		expiry = time.Unix(c.TokenExpiry, 0)
	}
	return AuthTokens{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		Expiry:       expiry,
		UserID:       c.UserID,
		CountryCode:  c.CountryCode,
	}
}

// LedgerConfig holds completion ledger configuration
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Download: DownloadConfig{
			Folder:           defaultDownloadDir(),
			Workers:          4,
			QueueSize:        64,
			PageConcurrency:  4,
			TrackConcurrency: 4,
			BandwidthLimit:   "", // empty means unlimited
			EmbedArtwork:     true,
			ArtworkSize:      1280,
		},
		Network: NetworkConfig{
			RequestTimeout:    30,
			MaxAttempts:       10,
			MaxConcurrency:    8,
			RequestsPerMinute: 0,
			UserAgent:         "streamfetch/1.0",
		},
		Tidal: TidalConfig{
			CountryCode: "US",
			Quality:     3,
		},
		Ledger: LedgerConfig{
			Path: DefaultLedgerPath(),
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "", // empty means stderr
		},
	}
}

// Validate checks configuration values for sanity
func (c *Config) Validate() error {
	if c.Download.Workers < 1 || c.Download.Workers > 16 {
		return fmt.Errorf("invalid workers: %d (must be 1-16)", c.Download.Workers)
	}

	if c.Download.QueueSize < c.Download.Workers {
		return fmt.Errorf("invalid queue_size: %d (must be >= workers)", c.Download.QueueSize)
	}

	if c.Download.PageConcurrency < 1 || c.Download.PageConcurrency > 8 {
		return fmt.Errorf("invalid page_concurrency: %d (must be 1-8)", c.Download.PageConcurrency)
	}

	if c.Download.TrackConcurrency < 1 || c.Download.TrackConcurrency > 8 {
		return fmt.Errorf("invalid track_concurrency: %d (must be 1-8)", c.Download.TrackConcurrency)
	}

	if c.Download.EmbedArtwork && (c.Download.ArtworkSize < 64 || c.Download.ArtworkSize > 4096) {
		return fmt.Errorf("invalid artwork_size: %d (must be 64-4096)", c.Download.ArtworkSize)
	}

	if c.Network.RequestTimeout < 1 {
		return fmt.Errorf("invalid request_timeout: %d (must be > 0)", c.Network.RequestTimeout)
	}

	if c.Network.MaxAttempts < 1 || c.Network.MaxAttempts > 10 {
		return fmt.Errorf("invalid max_attempts: %d (must be 1-10)", c.Network.MaxAttempts)
	}

	if c.Network.MaxConcurrency < 1 || c.Network.MaxConcurrency > 12 {
		return fmt.Errorf("invalid max_concurrency: %d (must be 1-12)", c.Network.MaxConcurrency)
	}

	if c.Network.RequestsPerMinute < 0 {
		return fmt.Errorf("invalid requests_per_minute: %d (must be >= 0)", c.Network.RequestsPerMinute)
	}

	if c.Tidal.Quality < 0 || c.Tidal.Quality > 3 {
		return fmt.Errorf("invalid quality: %d (must be 0-3)", c.Tidal.Quality)
	}

	return nil
}

// ConfigManager loads the configuration file and persists updates back to it.
// It owns a private viper instance so saves keep keys the application never
// touched.
type ConfigManager struct {
	v   *viper.Viper
	dir string
}

// NewConfigManager creates a manager rooted at dir. An empty dir selects the
// per-OS default location.
func NewConfigManager(dir string) *ConfigManager {
	if dir == "" {
		dir = defaultConfigDir()
	}
	return &ConfigManager{
		v:   viper.New(),
		dir: dir,
	}
}

// Dir returns the directory the config file lives in.
func (m *ConfigManager) Dir() string {
	return m.dir
}

// Load reads config.toml plus STREAMFETCH_* environment overrides on top of
// the defaults. A missing file is not an error.
func (m *ConfigManager) Load() (*Config, error) {
	cfg := DefaultConfig()

	m.v.SetConfigName("config")
	m.v.SetConfigType("toml")
	m.v.AddConfigPath(m.dir)

	m.v.SetEnvPrefix("STREAMFETCH")
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()

	if err := m.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No file yet, run on defaults
	}

	if err := m.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}

// SaveTokens writes refreshed credentials back to the config file so the next
// run starts from the newest token set.
func (m *ConfigManager) SaveTokens(t AuthTokens) error {
	m.v.Set("tidal.access_token", t.AccessToken)
	m.v.Set("tidal.refresh_token", t.RefreshToken)
	m.v.Set("tidal.token_expiry", t.Expiry.Unix())
	m.v.Set("tidal.user_id", t.UserID)
	m.v.Set("tidal.country_code", t.CountryCode)

	return m.write()
}

// SaveCredentials persists the application keys alongside the token set.
// Used by the auth command after a device-code login.
func (m *ConfigManager) SaveCredentials(clientID, clientSecret string, t AuthTokens) error {
	m.v.Set("tidal.client_id", clientID)
	m.v.Set("tidal.client_secret", clientSecret)
	return m.SaveTokens(t)
}

func (m *ConfigManager) write() error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(m.dir, "config.toml")
	if err := m.v.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// defaultConfigDir returns the default config directory for the current OS
func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "streamfetch")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "streamfetch")
	}
}

// DefaultLedgerPath returns the default completion ledger location for the
// current OS.
func DefaultLedgerPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "streamfetch", "ledger.db")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "streamfetch", "ledger.db")
	}
}

// defaultDownloadDir returns the default media destination for the current OS
func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "streamfetch"
	}
	return filepath.Join(home, "Music", "streamfetch")
}
