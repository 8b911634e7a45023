// Package config loads the per-run receiver configuration the CLI
// host needs to stand up a set of tracking channels: which PRNs to
// track, the IF/sample rate the IQ file was captured at, and the
// optional sinks (dump directory, InfluxDB DSN).
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/shangzhen6688/galileo-e1-tracking/internal/errs"
)

// ChannelConfig describes one PRN to track and the acquisition hint
// that seeds its pull-in.
type ChannelConfig struct {
	PRNID           uint    `toml:"prn_id"`
	AcqDelaySamples float64 `toml:"acq_delay_samples"`
	AcqDopplerHz    float64 `toml:"acq_doppler_hz"`
	SignalTag       string  `toml:"signal_tag"`
}

// Config is the root of a receiver run's TOML configuration file.
type Config struct {
	IFFreqHz  float64         `toml:"if_freq_hz"`
	FsHz      float64         `toml:"fs_hz"`
	IQFile    string          `toml:"iq_file"`
	DumpDir   string          `toml:"dump_dir"`
	InfluxDSN string          `toml:"influx_dsn"`
	PLLBwHz   float64         `toml:"pll_bw_hz"`
	DLLBwHz   float64         `toml:"dll_bw_hz"`
	Channels  []ChannelConfig `toml:"channel"`
}

// Load parses the TOML file at path and validates it. Validation
// failures are ConfigurationErrors, fatal before any Controller is
// constructed.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.FsHz <= 0 {
		return fmt.Errorf("config: fs_hz must be positive: %w", errs.ErrConfiguration)
	}
	if c.IQFile == "" {
		return fmt.Errorf("config: iq_file is required: %w", errs.ErrConfiguration)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("config: at least one [[channel]] is required: %w", errs.ErrConfiguration)
	}
	if c.PLLBwHz <= 0 {
		return fmt.Errorf("config: pll_bw_hz must be positive: %w", errs.ErrConfiguration)
	}
	if c.DLLBwHz <= 0 {
		return fmt.Errorf("config: dll_bw_hz must be positive: %w", errs.ErrConfiguration)
	}
	for i, ch := range c.Channels {
		if ch.SignalTag == "" {
			return fmt.Errorf("config: channel %d missing signal_tag: %w", i, errs.ErrConfiguration)
		}
		if ch.PRNID == 0 {
			return fmt.Errorf("config: channel %d missing prn_id: %w", i, errs.ErrConfiguration)
		}
	}
	return nil
}
