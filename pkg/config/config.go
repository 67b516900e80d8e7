package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Build metadata, injected with -ldflags by the dev tool.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const (
	AdapterMCP2221 = "mcp2221"
	AdapterGeneric = "generic"
	AdapterNanoPi  = "nanopi"
	AdapterSim     = "sim"
)

var ErrInvalidProfile = errors.New("invalid profile")

// Profile describes how to reach one memory chip.
//
// Example:
//
//	adapter: generic
//	device: /dev/i2c-1
//	address: 0x50
//	settle_delay: 5ms
//	write_protect:
//	  pin: GPIO17
type Profile struct {
	Adapter      string        `yaml:"adapter"`
	Device       string        `yaml:"device"`
	Address      uint8         `yaml:"address"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	WriteProtect WriteProtect  `yaml:"write_protect"`
}

// WriteProtect names the line wired to the WP signal. Pin is adapter specific ("GP0" on mcp2221,
// "GPIO17" on generic, header pin on nanopi) or "A0".."B7" when Expander is set.
// An empty Pin means WP is not wired.
type WriteProtect struct {
	Pin      string `yaml:"pin,omitempty"`
	Expander uint8  `yaml:"expander,omitempty"`
}

func Default() Profile {
	return Profile{
		Adapter:     AdapterMCP2221,
		Device:      "/dev/i2c-1",
		Address:     0x50,
		SettleDelay: 5 * time.Millisecond,
	}
}

// Load reads a profile file on top of the defaults.
func Load(path string) (Profile, error) {
	profile := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return profile, fmt.Errorf("could not read profile: %w", err)
	}
	err = yaml.Unmarshal(data, &profile)
	if err != nil {
		return profile, fmt.Errorf("could not decode profile %s: %w", path, err)
	}
	return profile, profile.Validate()
}

func (p Profile) Validate() error {
	switch p.Adapter {
	case AdapterMCP2221, AdapterGeneric, AdapterNanoPi, AdapterSim:
	default:
		return fmt.Errorf("%w: unknown adapter %q", ErrInvalidProfile, p.Adapter)
	}
	if p.Address < 0x08 || p.Address > 0x77 {
		return fmt.Errorf("%w: address %#x outside 7-bit range", ErrInvalidProfile, p.Address)
	}
	if p.SettleDelay < 0 {
		return fmt.Errorf("%w: negative settle delay", ErrInvalidProfile)
	}
	if p.WriteProtect.Expander != 0 && p.WriteProtect.Pin == "" {
		return fmt.Errorf("%w: expander given without write-protect pin", ErrInvalidProfile)
	}
	return nil
}

func (p Profile) String() string {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%s@%#x", p.Adapter, p.Address)
	}
	return string(data)
}
