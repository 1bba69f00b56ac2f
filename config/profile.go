// Package config loads device profiles: the per-product settings of a SUOTA
// update that are not negotiated with the peripheral.
//
// A profile is a YAML file:
//
//	memory_bank: 0
//	gpio:
//	  miso: 5
//	  mosi: 6
//	  cs: 3
//	  sck: 0
//	status_timeout: 2s
//	block_size: 240
//	reboot: ask
//	scan:
//	  name: "glasses"
//	  address: ""
//	  timeout: 30s
//
// Every key is optional; missing keys keep their default.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/suota/protocol"
	"github.com/tinygo-org/suota/updater"
)

// Reboot policies.
const (
	RebootAsk    = "ask"
	RebootAlways = "always"
	RebootNever  = "never"
)

// GPIO is the SPI pin assignment of the external flash.
type GPIO struct {
	MISO byte `yaml:"miso"`
	MOSI byte `yaml:"mosi"`
	CS   byte `yaml:"cs"`
	SCK  byte `yaml:"sck"`
}

// Scan selects the peripheral to connect to.
type Scan struct {
	Name    string   `yaml:"name"`
	Address string   `yaml:"address"`
	Timeout Duration `yaml:"timeout"`
}

// Profile holds the settings of one product.
type Profile struct {
	MemoryBank    byte     `yaml:"memory_bank"`
	GPIO          GPIO     `yaml:"gpio"`
	StatusTimeout Duration `yaml:"status_timeout"`
	BlockSize     int      `yaml:"block_size"`
	Reboot        string   `yaml:"reboot"`
	Scan          Scan     `yaml:"scan"`
}

// Duration is a time.Duration written as a string such as "2s" or "1500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns the profile of the reference glasses.
func Default() Profile {
	return Profile{
		MemoryBank: 0,
		GPIO: GPIO{
			MISO: protocol.DefaultSPIMISO,
			MOSI: protocol.DefaultSPIMOSI,
			CS:   protocol.DefaultSPICS,
			SCK:  protocol.DefaultSPISCK,
		},
		StatusTimeout: Duration(protocol.DefaultStatusTimeout),
		BlockSize:     protocol.DefaultBlockSize,
		Reboot:        RebootAsk,
		Scan: Scan{
			Timeout: Duration(30 * time.Second),
		},
	}
}

// Load reads the profile at path on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (Profile, error) {
	p := Default()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, errors.Wrap(err, "read profile")
	}
	return Parse(data)
}

// Parse decodes a YAML profile on top of the defaults and validates it.
func Parse(data []byte) (Profile, error) {
	p := Default()
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return p, errors.Wrap(err, "parse profile")
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate checks the profile for values the bootloader cannot accept.
func (p Profile) Validate() error {
	if p.MemoryBank > 2 {
		return errors.Errorf("memory_bank %d out of range 0-2", p.MemoryBank)
	}
	if p.BlockSize < 1 || p.BlockSize > 0xFFFF {
		return errors.Errorf("block_size %d out of range 1-65535", p.BlockSize)
	}
	if p.StatusTimeout <= 0 {
		return errors.New("status_timeout must be positive")
	}
	switch p.Reboot {
	case RebootAsk, RebootAlways, RebootNever:
	default:
		return errors.Errorf("reboot must be %q, %q or %q, got %q", RebootAsk, RebootAlways, RebootNever, p.Reboot)
	}
	return nil
}

// UpdaterOptions translates the profile into updater options. ask is the
// Confirmer used when the reboot policy is RebootAsk.
func (p Profile) UpdaterOptions(ask updater.Confirmer) []updater.Option {
	opts := []updater.Option{
		updater.WithMemoryBank(p.MemoryBank),
		updater.WithGPIOMap(updater.GPIOMap{
			MISO: p.GPIO.MISO,
			MOSI: p.GPIO.MOSI,
			CS:   p.GPIO.CS,
			SCK:  p.GPIO.SCK,
		}),
		updater.WithStatusTimeout(time.Duration(p.StatusTimeout)),
		updater.WithBlockSize(p.BlockSize),
	}
	switch p.Reboot {
	case RebootAlways:
		opts = append(opts, updater.WithConfirmer(updater.Always))
	case RebootNever:
		opts = append(opts, updater.WithConfirmer(updater.Never))
	default:
		opts = append(opts, updater.WithConfirmer(ask))
	}
	return opts
}
