package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for mxe2eed.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Database   DatabaseConfig   `yaml:"database"`
	Crypto     CryptoConfig     `yaml:"crypto"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// HomeserverConfig contains Matrix homeserver connection settings.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppServiceConfig contains application service settings.
type AppServiceConfig struct {
	Address         string    `yaml:"address"`
	Hostname        string    `yaml:"hostname"`
	Port            int       `yaml:"port"`
	ID              string    `yaml:"id"`
	Bot             BotConfig `yaml:"bot"`
	ASToken         string    `yaml:"as_token"`
	HSToken         string    `yaml:"hs_token"`
	EphemeralEvents bool      `yaml:"ephemeral_events"`
}

// BotConfig contains the service bot user settings.
type BotConfig struct {
	Username    string `yaml:"username"`
	Displayname string `yaml:"displayname"`
	Avatar      string `yaml:"avatar"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Type         string `yaml:"type"`
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// CryptoConfig controls the end-to-end encryption core.
type CryptoConfig struct {
	// PicklingKeyMode selects where the 32-byte pickling key comes from:
	// "keyring" (OS credential store, the default) or "mock" (a fixed
	// all-zero key, for tests and throwaway environments only).
	PicklingKeyMode string `yaml:"pickling_key_mode"`
	KeyringService  string `yaml:"keyring_service"`

	// MegolmRotationPeriod and MegolmRotationMessages are parsed and
	// defaulted by Validate but not read by the crypto core: an outbound
	// Megolm session is always rotated after 7 days or 100 messages
	// (groupsessions.go's fixed limits), whatever these are set to.
	MegolmRotationPeriod   time.Duration `yaml:"megolm_rotation_period"`
	MegolmRotationMessages int           `yaml:"megolm_rotation_messages"`

	// TrustOnFirstUse is parsed but not read by the crypto core, which
	// encrypts to every admitted device whether or not it is verified.
	TrustOnFirstUse bool `yaml:"trust_on_first_use"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	MinLevel string         `yaml:"min_level"`
	Writers  []LoggerWriter `yaml:"writers"`
}

// LoggerWriter describes a single log output target.
type LoggerWriter struct {
	Type       string `yaml:"type"`
	Format     string `yaml:"format"`
	Filename   string `yaml:"filename,omitempty"`
	MaxSize    int    `yaml:"max_size,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid and sets defaults.
func (c *Config) Validate() error {
	if c.Homeserver.Address == "" {
		return fmt.Errorf("homeserver.address is required")
	}
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.AppService.Port == 0 {
		c.AppService.Port = 29350
	}
	if c.AppService.ID == "" {
		c.AppService.ID = "mxe2ee"
	}
	if c.AppService.Bot.Username == "" {
		c.AppService.Bot.Username = "e2eebot"
	}
	if c.AppService.ASToken == "" {
		return fmt.Errorf("appservice.as_token is required")
	}
	if c.AppService.HSToken == "" {
		return fmt.Errorf("appservice.hs_token is required")
	}
	if c.Database.URI == "" {
		return fmt.Errorf("database.uri is required")
	}
	if c.Database.Type == "" {
		c.Database.Type = "postgres"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Crypto.PicklingKeyMode == "" {
		c.Crypto.PicklingKeyMode = "keyring"
	}
	if c.Crypto.PicklingKeyMode != "keyring" && c.Crypto.PicklingKeyMode != "mock" {
		return fmt.Errorf("crypto.pickling_key_mode must be %q or %q, got %q", "keyring", "mock", c.Crypto.PicklingKeyMode)
	}
	if c.Crypto.KeyringService == "" {
		c.Crypto.KeyringService = "mxe2eed"
	}
	if c.Crypto.MegolmRotationPeriod == 0 {
		c.Crypto.MegolmRotationPeriod = 7 * 24 * time.Hour
	}
	if c.Crypto.MegolmRotationMessages == 0 {
		c.Crypto.MegolmRotationMessages = 100
	}

	// Logging defaults
	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = "info"
	}

	// Metrics defaults
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "0.0.0.0:9110"
	}

	return nil
}

// GenerateRegistration creates a Matrix appservice registration YAML.
func (c *Config) GenerateRegistration() string {
	return fmt.Sprintf(`id: %s
url: %s
as_token: %s
hs_token: %s
sender_localpart: %s
namespaces:
  users:
    - exclusive: true
      regex: '@%s_.+:%s'
  aliases: []
  rooms: []
rate_limited: false
de.sorunome.msc2409.push_ephemeral: %t
push_ephemeral: %t
`,
		c.AppService.ID,
		c.AppService.Address,
		c.AppService.ASToken,
		c.AppService.HSToken,
		c.AppService.Bot.Username,
		c.AppService.ID,
		regexEscape(c.Homeserver.Domain),
		c.AppService.EphemeralEvents,
		c.AppService.EphemeralEvents,
	)
}

func regexEscape(s string) string {
	return regexp.QuoteMeta(s)
}
