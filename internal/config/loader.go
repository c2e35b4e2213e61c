package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Overrides is the optional YAML file format for operational knobs. Every
// field is optional; anything left zero-valued keeps the built-in default.
// Identity (username/password/host/ip4) is never read from this file — it
// stays a CLI-mandated positional argument.
type Overrides struct {
	STUN     string `yaml:"stun,omitempty"`
	TURN     string `yaml:"turn,omitempty"`
	TURNUser string `yaml:"turn_user,omitempty"`
	TURNPass string `yaml:"turn_pass,omitempty"`

	IP4Base   string `yaml:"ip4_base,omitempty"`
	IP6Prefix string `yaml:"ip6_prefix,omitempty"`

	UIDSize int `yaml:"uid_size,omitempty"`

	WaitTime             string  `yaml:"wait_time,omitempty"`
	HeartbeatEveryNTicks int     `yaml:"heartbeat_every_n_ticks,omitempty"`
	PingRatePerSecond    float64 `yaml:"ping_rate_per_second,omitempty"`

	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// checkPermissions warns-as-error if the overrides file is readable by
// group or world; it may carry TURN credentials.
func checkPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are surfaced by the caller's read
	}
	if info.Mode().Perm()&0077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o, expected 0600", ErrOverridesPermissive, path, info.Mode().Perm())
	}
	return nil
}

// LoadOverrides reads and parses the optional overrides file.
func LoadOverrides(path string) (*Overrides, error) {
	if err := checkPermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read overrides: %w", err)
	}
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("config: parse overrides: %w", err)
	}
	return &o, nil
}

// Apply overlays non-zero fields from o onto rt.
func (rt *Runtime) Apply(o *Overrides) error {
	if o == nil {
		return nil
	}
	if o.STUN != "" {
		rt.STUN = o.STUN
	}
	if o.TURN != "" {
		rt.TURN = o.TURN
	}
	if o.TURNUser != "" {
		rt.TURNUser = o.TURNUser
	}
	if o.TURNPass != "" {
		rt.TURNPass = o.TURNPass
	}
	if o.IP4Base != "" {
		rt.IP4Base = o.IP4Base
	}
	if o.IP6Prefix != "" {
		rt.IP6Prefix = o.IP6Prefix
	}
	if o.UIDSize != 0 {
		rt.UIDSize = o.UIDSize
	}
	if o.WaitTime != "" {
		d, err := time.ParseDuration(o.WaitTime)
		if err != nil {
			return fmt.Errorf("config: invalid wait_time: %w", err)
		}
		rt.WaitTime = d
	}
	if o.HeartbeatEveryNTicks != 0 {
		rt.HeartbeatEveryNTicks = o.HeartbeatEveryNTicks
	}
	if o.PingRatePerSecond != 0 {
		rt.PingRatePerSecond = o.PingRatePerSecond
	}
	if o.MetricsAddr != "" {
		rt.MetricsAddr = o.MetricsAddr
	}
	return nil
}
