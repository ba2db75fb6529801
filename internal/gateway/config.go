package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig is the top-level configuration for clawlink.
type GatewayConfig struct {
	Relay      RelayConfig      `json:"relay" yaml:"relay"`
	Discord    DiscordConfig    `json:"discord" yaml:"discord"`
	Heartbeat  HeartbeatConfig  `json:"heartbeat" yaml:"heartbeat"`
	Transcript TranscriptConfig `json:"transcript" yaml:"transcript"`
}

// RelayConfig points the gateway at one encrypted agent session.
type RelayConfig struct {
	URL            string `json:"url" yaml:"url"`                         // wss:// relay endpoint
	SessionID      string `json:"session_id" yaml:"session_id"`           // tracked session
	Secret         string `json:"secret" yaml:"secret"`                   // base64 32-byte session key
	PermissionMode string `json:"permission_mode" yaml:"permission_mode"` // passthrough tag on outbound messages
	RequestTimeout string `json:"request_timeout" yaml:"request_timeout"` // Go duration, default "2m"
	Debounce       string `json:"debounce" yaml:"debounce"`               // quiet period before finalizing, default "3s"
	SentFrom       string `json:"sent_from" yaml:"sent_from"`             // client tag on outbound envelopes
}

// RequestTimeoutDuration parses the request timeout, falling back to the
// default on absent or malformed values.
func (r RelayConfig) RequestTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(r.RequestTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

// DebounceDuration parses the debounce window with the same fallback rule.
func (r RelayConfig) DebounceDuration() time.Duration {
	d, err := time.ParseDuration(r.Debounce)
	if err != nil || d <= 0 {
		return 3 * time.Second
	}
	return d
}

// DiscordConfig holds Discord bot configuration.
type DiscordConfig struct {
	Token             string   `json:"token" yaml:"token"`
	AllowedGuildIDs   []string `json:"allowed_guild_ids" yaml:"allowed_guild_ids"`
	AllowedChannelIDs []string `json:"allowed_channel_ids" yaml:"allowed_channel_ids"`
	AllowedUserIDs    []string `json:"allowed_user_ids" yaml:"allowed_user_ids"`
	MentionOnly       bool     `json:"mention_only" yaml:"mention_only"` // In guilds, only respond when @mentioned
}

// HeartbeatConfig defines periodic prompt execution.
type HeartbeatConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Interval    string `json:"interval" yaml:"interval"` // Go duration string, e.g. "24h", "1h"
	Prompt      string `json:"prompt" yaml:"prompt"`
	ChannelType string `json:"channel_type" yaml:"channel_type"`
	ChannelID   string `json:"channel_id" yaml:"channel_id"`
}

// TranscriptConfig controls session transcript persistence.
type TranscriptConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Dir     string `json:"dir" yaml:"dir"` // default: ~/.clawlink/transcripts/
}

// DefaultGatewayConfig returns a config with defaults applied.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Relay: RelayConfig{
			RequestTimeout: "2m",
			Debounce:       "3s",
			SentFrom:       "clawlink",
		},
	}
}

// DefaultConfigPath returns $HOME/.clawlink/config.json.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".clawlink", "config.json")
}

// LoadGatewayConfig loads configuration from a JSON or YAML file, chosen
// by extension.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway config %s: %w", path, err)
	}

	cfg := DefaultGatewayConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse gateway config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse gateway config: %w", err)
		}
	}

	if cfg.Transcript.Enabled && cfg.Transcript.Dir == "" {
		home, _ := os.UserHomeDir()
		cfg.Transcript.Dir = filepath.Join(home, ".clawlink", "transcripts")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the gateway cannot run without.
func (c *GatewayConfig) Validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	if c.Relay.SessionID == "" {
		return fmt.Errorf("relay.session_id is required")
	}
	if c.Relay.Secret == "" {
		return fmt.Errorf("relay.secret is required")
	}
	return nil
}
