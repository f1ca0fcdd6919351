package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"channelbot/internal/logx"
)

// Config is the whole process configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     logx.Config       `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Broadcaster BroadcasterConfig `json:"broadcaster"`
	CatchUp     CatchUpConfig     `json:"catchup"`
	Transport   TransportConfig   `json:"transport"`
	Server      ServerConfig      `json:"server"`
	Retention   *RetentionConfig  `json:"retention,omitempty"`

	// Channels provisions channels at startup; provisioning an existing
	// channel is a no-op.
	Channels []ChannelSeed `json:"channels,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// BroadcasterConfig controls the fan-out worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 8
//   - rate_per_sec: 0 (unlimited)
//   - batch.size: 50
type BroadcasterConfig struct {
	Workers    int         `json:"workers,omitempty"`
	RatePerSec int         `json:"rate_per_sec,omitempty"`
	Batch      BatchConfig `json:"batch,omitempty"`
}

// BatchConfig selects the batched-remote dispatch strategy: recipient ids are
// partitioned into fixed-size batches and forwarded to sibling nodes instead
// of being delivered one by one.
type BatchConfig struct {
	Enabled bool `json:"enabled"`
	Size    int  `json:"size,omitempty"`
}

// CatchUpConfig controls ordered replay of missed broadcasts.
type CatchUpConfig struct {
	// Limit is the number of posts replayed by the /prev command.
	Limit int `json:"limit,omitempty"`
	// Pace is the fixed inter-message delay during replay.
	Pace string `json:"pace,omitempty"`
}

type TransportConfig struct {
	// Driver selects the delivery backend: "forward" or "telegram".
	Driver   string         `json:"driver"`
	Forward  ForwardConfig  `json:"forward,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type ForwardConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type ServerConfig struct {
	Addr string `json:"addr,omitempty"` // default: "127.0.0.1:8150"
	// AdminToken guards channel provisioning and the batch-forward endpoint.
	// When empty those endpoints are disabled.
	AdminToken string `json:"admin_token,omitempty"`
}

// RetentionConfig controls the periodic sweep of tombstoned broadcasts and
// the inbound log. Omitting the section disables the sweep.
type RetentionConfig struct {
	Schedule        string `json:"schedule,omitempty"` // cron spec, default "@hourly"
	TombstoneMaxAge string `json:"tombstone_max_age,omitempty"`
	InboundKeep     int    `json:"inbound_keep,omitempty"`
}

type ChannelSeed struct {
	Name   string `json:"name"`
	Token  string `json:"token"`
	Origin string `json:"origin"`
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Transport.Driver)) {
	case "forward":
		if strings.TrimSpace(c.Transport.Forward.BaseURL) == "" {
			return errors.New("transport.forward.base_url is required")
		}
	case "telegram":
		if strings.TrimSpace(c.Transport.Telegram.Token) == "" {
			return errors.New("transport.telegram.token is required")
		}
	case "", "none":
		// engine still runs; deliveries all fail as transient
	default:
		return fmt.Errorf("unknown transport.driver %q", c.Transport.Driver)
	}
	for i, seed := range c.Channels {
		if strings.TrimSpace(seed.Name) == "" || strings.TrimSpace(seed.Token) == "" {
			return fmt.Errorf("channels[%d]: name and token are required", i)
		}
	}
	if _, err := ParseDurationField("catchup.pace", c.CatchUp.Pace); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if c.Retention != nil {
		if _, err := ParseDurationField("retention.tombstone_max_age", c.Retention.TombstoneMaxAge); err != nil {
			return err
		}
	}
	return nil
}

// CatchUpPace returns the configured replay delay, defaulting to 750ms.
func (c *Config) CatchUpPace() time.Duration {
	d, err := ParseDurationOrDefault("catchup.pace", c.CatchUp.Pace, 750*time.Millisecond)
	if err != nil {
		return 750 * time.Millisecond
	}
	return d
}

// CatchUpLimit returns the /prev replay depth, defaulting to 5.
func (c *Config) CatchUpLimit() int {
	if c.CatchUp.Limit <= 0 {
		return 5
	}
	return c.CatchUp.Limit
}
