package config

import (
	"fmt"
	"strings"
	"time"

	"threadflow/internal/delivery"
)

// Config is the full configuration file schema.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown fields are rejected so typos surface at load time.
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Slack    SlackConfig     `json:"slack"`
	Delivery DeliveryConfig  `json:"delivery,omitempty"`
	Registry *RegistryConfig `json:"registry,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type SlackConfig struct {
	// Token is usually supplied via environment override rather than the
	// file; see cmd/threadflow.
	Token   string `json:"token,omitempty"`
	Channel string `json:"channel,omitempty"`

	UploadTimeout string `json:"upload_timeout,omitempty"`
}

// DeliveryConfig controls the session queues.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 256
//   - stop_timeout: "60s"
//   - final_flush_retries: 10
//   - local_throttle_fallback: "3s"
type DeliveryConfig struct {
	QueueSize             int    `json:"queue_size,omitempty"`
	StopTimeout           string `json:"stop_timeout,omitempty"`
	FinalFlushRetries     int    `json:"final_flush_retries,omitempty"`
	LocalThrottleFallback string `json:"local_throttle_fallback,omitempty"`

	Retry      RetryConfig      `json:"retry,omitempty"`
	Visibility VisibilityConfig `json:"visibility,omitempty"`
	Tiers      TiersConfig      `json:"tiers,omitempty"`
}

type RetryConfig struct {
	MaxRetries    int    `json:"max_retries,omitempty"`
	FallbackDelay string `json:"fallback_delay,omitempty"`
	MaxDelay      string `json:"max_delay,omitempty"`
}

type VisibilityConfig struct {
	Timeout       string  `json:"timeout,omitempty"`
	InitialDelay  string  `json:"initial_delay,omitempty"`
	BackoffFactor float64 `json:"backoff_factor,omitempty"`
	MaxDelay      string  `json:"max_delay,omitempty"`
}

// TiersConfig overrides the per-tier minimum inter-call intervals.
type TiersConfig struct {
	Tier1       string `json:"tier1,omitempty"`
	Tier2       string `json:"tier2,omitempty"`
	Tier3       string `json:"tier3,omitempty"`
	Tier4       string `json:"tier4,omitempty"`
	PostMessage string `json:"post_message,omitempty"`
}

type RegistryConfig struct {
	SweepSchedule string `json:"sweep_schedule,omitempty"`
	IdleTTL       string `json:"idle_ttl,omitempty"`
}

// Validate checks the parts that must be right before services start.
func (c *Config) Validate() error {
	if _, err := c.DeliveryConfig(); err != nil {
		return err
	}
	if _, err := c.TierIntervals(); err != nil {
		return err
	}
	if _, err := c.RegistryConfig(); err != nil {
		return err
	}
	if _, err := ParseDurationField("slack.upload_timeout", c.Slack.UploadTimeout); err != nil {
		return err
	}
	return nil
}

// DeliveryConfig resolves duration strings into the engine's config.
// Zero values are left for the engine's own defaulting.
func (c *Config) DeliveryConfig() (delivery.Config, error) {
	var out delivery.Config
	var err error

	out.QueueSize = c.Delivery.QueueSize
	out.FinalFlushRetries = c.Delivery.FinalFlushRetries
	if out.StopTimeout, err = ParseDurationField("delivery.stop_timeout", c.Delivery.StopTimeout); err != nil {
		return out, err
	}
	if out.LocalThrottleFallback, err = ParseDurationField("delivery.local_throttle_fallback", c.Delivery.LocalThrottleFallback); err != nil {
		return out, err
	}

	out.Retry.MaxRetries = c.Delivery.Retry.MaxRetries
	if out.Retry.FallbackDelay, err = ParseDurationField("delivery.retry.fallback_delay", c.Delivery.Retry.FallbackDelay); err != nil {
		return out, err
	}
	if out.Retry.MaxDelay, err = ParseDurationField("delivery.retry.max_delay", c.Delivery.Retry.MaxDelay); err != nil {
		return out, err
	}

	out.Visibility.BackoffFactor = c.Delivery.Visibility.BackoffFactor
	if out.Visibility.Timeout, err = ParseDurationField("delivery.visibility.timeout", c.Delivery.Visibility.Timeout); err != nil {
		return out, err
	}
	if out.Visibility.InitialDelay, err = ParseDurationField("delivery.visibility.initial_delay", c.Delivery.Visibility.InitialDelay); err != nil {
		return out, err
	}
	if out.Visibility.MaxDelay, err = ParseDurationField("delivery.visibility.max_delay", c.Delivery.Visibility.MaxDelay); err != nil {
		return out, err
	}
	return out, nil
}

// TierIntervals resolves the tier table, falling back to the engine's
// defaults for omitted tiers.
func (c *Config) TierIntervals() (map[delivery.Tier]time.Duration, error) {
	out := delivery.DefaultTierIntervals()
	overrides := []struct {
		path string
		raw  string
		tier delivery.Tier
	}{
		{"delivery.tiers.tier1", c.Delivery.Tiers.Tier1, delivery.TierVeryInfrequent},
		{"delivery.tiers.tier2", c.Delivery.Tiers.Tier2, delivery.TierStandard},
		{"delivery.tiers.tier3", c.Delivery.Tiers.Tier3, delivery.TierPaginated},
		{"delivery.tiers.tier4", c.Delivery.Tiers.Tier4, delivery.TierHighVolume},
		{"delivery.tiers.post_message", c.Delivery.Tiers.PostMessage, delivery.TierPostMessage},
	}
	for _, o := range overrides {
		d, err := ParseDurationField(o.path, o.raw)
		if err != nil {
			return nil, err
		}
		if d > 0 {
			out[o.tier] = d
		}
	}
	return out, nil
}

// RegistryConfig resolves janitor settings. When the section is omitted the
// janitor runs with a conservative default schedule and no idle eviction.
func (c *Config) RegistryConfig() (delivery.RegistryConfig, error) {
	out := delivery.RegistryConfig{SweepSchedule: "@every 1m"}
	if c.Registry == nil {
		return out, nil
	}
	if s := strings.TrimSpace(c.Registry.SweepSchedule); s != "" {
		out.SweepSchedule = s
	}
	ttl, err := ParseDurationField("registry.idle_ttl", c.Registry.IdleTTL)
	if err != nil {
		return out, err
	}
	out.IdleTTL = ttl
	return out, nil
}

// LoggingDefaults fills the logging section's zero values.
func (c *Config) LoggingDefaults() LoggingConfig {
	lc := c.Logging
	if strings.TrimSpace(lc.Level) == "" {
		lc.Level = "info"
	}
	if !lc.Console && !lc.File.Enabled {
		lc.Console = true
	}
	return lc
}

// UploadTimeout resolves the Slack adapter's transfer timeout.
func (c *Config) UploadTimeout() (time.Duration, error) {
	return ParseDurationField("slack.upload_timeout", c.Slack.UploadTimeout)
}

func (c *Config) String() string {
	return fmt.Sprintf("config{channel=%s, queue_size=%d}", c.Slack.Channel, c.Delivery.QueueSize)
}
