// Package config handles configuration for sealmail, including defaults,
// JSON overlay, environment overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings.
//
// Fields:
//   - DBPath: sqlite database file backing contacts and local drafts.
//   - RelayBaseURL: base URL of the relay serving password-protected messages.
//   - LookupBaseURL: base URL of the HKP keyserver used for key discovery.
//   - S3Region / S3Bucket / S3Endpoint / S3AccessKey / S3SecretKey: direct
//     attachment-bucket settings; empty S3Endpoint keeps presigned-URL uploads.
//   - AutosaveMinInterval: minimum spacing between unforced draft saves.
//   - PassphraseTTL: how long unlocked passphrases stay in the vault
//     (0 keeps them for the process lifetime).
type Config struct {
	DBPath        string
	RelayBaseURL  string
	LookupBaseURL string

	S3Region    string
	S3Bucket    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	AutosaveMinInterval time.Duration
	PassphraseTTL       time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DBPath = "sealmail.db"
	c.RelayBaseURL = "https://relay.sealmail.io"
	c.LookupBaseURL = "https://keys.openpgp.org"
	c.S3Region = "us-east-1"
	c.AutosaveMinInterval = 10 * time.Second
	c.PassphraseTTL = 30 * time.Minute
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present), the environment, and command-line flags. Later
// sources take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseEnv(cfg)
	parseFlags(cfg)
	return cfg
}
