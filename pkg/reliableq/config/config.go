// Package config defines the configuration schema for the reliable-queue
// library (spec.md §6) and, for parity with the teacher's pkg/config, a
// loader built on the same stack (cleanenv + validator). Loading itself
// remains an external-collaborator concern (spec.md §1 Non-goals): a host
// application is free to populate Config however it likes and hand it
// straight to reliableq.New without ever calling Load.
package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/rqerrors"
)

// Mode constrains what a queue may be used for.
type Mode string

const (
	ModeSend    Mode = "Send"
	ModeReceive Mode = "Receive"
	ModeBoth    Mode = "Both"
)

// ParseMode is case-insensitive, per spec §6.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(s) {
	case "send":
		return ModeSend, true
	case "receive":
		return ModeReceive, true
	case "both":
		return ModeBoth, true
	default:
		return "", false
	}
}

// QueueConfig is the per-named-queue configuration schema from spec.md §6.
type QueueConfig struct {
	Name                     string `yaml:"name" validate:"required"`
	StorageConnectionString  string `yaml:"storageConnectionString" env:"STORAGE_CONNECTION_STRING" validate:"required"`
	Mode                     string `yaml:"mode" env:"MODE" env-default:"Both"`
	IsEnabled                bool   `yaml:"isEnabled" env:"IS_ENABLED" env-default:"true"`
	CreateListener           bool   `yaml:"createListener" env:"CREATE_LISTENER" env-default:"true"`
	DefaultTimeoutSeconds    int    `yaml:"defaultTimeoutSeconds" env:"DEFAULT_TIMEOUT_SECONDS" env-default:"30"`
	MaxAttempts              int    `yaml:"maxAttempts" env:"MAX_ATTEMPTS" env-default:"5"`
	TopicAffinityTTLSeconds  int    `yaml:"topicAffinityTtlSeconds" env:"TOPIC_AFFINITY_TTL_SECONDS" env-default:"30"`
	SlidingWindowSeconds     int    `yaml:"slidingWindowDurationSeconds" env:"SLIDING_WINDOW_DURATION_SECONDS" env-default:"5"`

	// DeadLetterQueue names another configured queue to mirror Failed
	// messages onto (SPEC_FULL §4b). Empty disables the feature; this is
	// additive and off by default.
	DeadLetterQueue string `yaml:"deadLetterQueue" env:"DEAD_LETTER_QUEUE"`
}

// Config is the full set of named queue configurations a peer is given.
type Config struct {
	Queues []QueueConfig `yaml:"queues"`
}

// Validate checks every enabled queue's Mode and required fields, returning
// a ConfigError (spec §7) on the first violation. Disabled entries are
// ignored entirely, per spec §6 "isEnabled".
func (c Config) Validate() error {
	validate := validator.New()
	for _, q := range c.Queues {
		if !q.IsEnabled {
			continue
		}
		if err := validate.Struct(q); err != nil {
			return rqerrors.Config(q.Name, "invalid queue configuration", err)
		}
		if _, ok := ParseMode(q.Mode); !ok {
			return rqerrors.Config(q.Name, "mode must be one of Send, Receive, Both, got "+q.Mode, nil)
		}
	}
	return nil
}

// Load reads configuration from a .env file or environment variables into
// cfg and validates it, mirroring the teacher's pkg/config.Load. Most hosts
// will instead build a Config in code or from their own config system and
// call Validate directly.
func Load(cfg *Config) error {
	if err := cleanenv.ReadConfig(".env", cfg); err != nil {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return rqerrors.Config("", "failed to read configuration", err)
		}
	}
	return cfg.Validate()
}

// Enabled returns the subset of Queues with IsEnabled set.
func (c Config) Enabled() []QueueConfig {
	out := make([]QueueConfig, 0, len(c.Queues))
	for _, q := range c.Queues {
		if q.IsEnabled {
			out = append(out, q)
		}
	}
	return out
}

// Lookup finds a queue's configuration by name (case-insensitive), per
// spec §7 UnknownQueueError.
func (c Config) Lookup(name string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if strings.EqualFold(q.Name, name) {
			return q, true
		}
	}
	return QueueConfig{}, false
}
