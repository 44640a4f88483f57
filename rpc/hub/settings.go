// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hub

import (
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultAckPeriod is how often, in items, consumers acknowledge.
	DefaultAckPeriod = 30

	// DefaultAckAdvance is how far past the last acknowledged item a
	// stream may run ahead.
	DefaultAckAdvance = 61

	// DefaultKeepAliveTimeout is how long a shared object survives
	// without any ack or keep-alive from its peer.
	DefaultKeepAliveTimeout = 65 * time.Second

	// DefaultReapInterval is how often stale shared objects are looked for.
	DefaultReapInterval = 10 * time.Second
)

// Settings holds the stream tuning of a hub.
type Settings struct {
	AckPeriod        int64         `yaml:"ack-period"`
	AckAdvance       int64         `yaml:"ack-advance"`
	KeepAliveTimeout time.Duration `yaml:"keep-alive-timeout"`
	ReapInterval     time.Duration `yaml:"reap-interval"`
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		AckPeriod:        DefaultAckPeriod,
		AckAdvance:       DefaultAckAdvance,
		KeepAliveTimeout: DefaultKeepAliveTimeout,
		ReapInterval:     DefaultReapInterval,
	}
}

// ParseSettings reads settings from YAML. Fields missing from data keep
// their default values.
func ParseSettings(data []byte) (Settings, error) {
	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, errors.Annotate(err, "parsing hub settings")
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, errors.Trace(err)
	}
	return settings, nil
}

// Validate returns an error if the settings cannot be used.
func (s Settings) Validate() error {
	if s.AckAdvance < 1 {
		return errors.NotValidf("ack-advance %d", s.AckAdvance)
	}
	if s.AckPeriod < 1 || s.AckPeriod > s.AckAdvance {
		return errors.NotValidf("ack-period %d with ack-advance %d", s.AckPeriod, s.AckAdvance)
	}
	if s.KeepAliveTimeout <= 0 {
		return errors.NotValidf("non-positive keep-alive-timeout")
	}
	if s.ReapInterval <= 0 {
		return errors.NotValidf("non-positive reap-interval")
	}
	return nil
}
