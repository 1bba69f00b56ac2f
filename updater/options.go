package updater

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinygo-org/suota/protocol"
)

// GPIOMap is the SPI pin assignment of the peripheral's external flash.
type GPIOMap struct {
	MISO byte
	MOSI byte
	CS   byte
	SCK  byte
}

// Value returns the GPIO_MAP command value.
func (m GPIOMap) Value() uint32 {
	return protocol.GPIOMap(m.MISO, m.MOSI, m.CS, m.SCK)
}

// Config holds the updater configuration.
type Config struct {
	// Logger receives structured logs of every step (optional)
	Logger logrus.FieldLogger

	// ProgressCallback is called with update progress (optional)
	ProgressCallback ProgressCallback

	// Confirmer gates the reboot after a successful transfer.
	// Default is Never, which leaves the peripheral running the old image
	// until it is rebooted by other means.
	Confirmer Confirmer

	// StatusTimeout is how long each status-gated command waits for its status
	StatusTimeout time.Duration

	// BlockSize is the minimum block size before negotiation
	BlockSize int

	// MemoryType is the MEM_DEV memory type, external SPI flash by default
	MemoryType byte

	// MemoryBank is the image bank written
	MemoryBank byte

	// GPIO is the SPI pin assignment
	GPIO GPIOMap
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		Confirmer:     Never,
		StatusTimeout: protocol.DefaultStatusTimeout,
		BlockSize:     protocol.DefaultBlockSize,
		MemoryType:    protocol.MemoryTypeSPI,
		MemoryBank:    0,
		GPIO: GPIOMap{
			MISO: protocol.DefaultSPIMISO,
			MOSI: protocol.DefaultSPIMOSI,
			CS:   protocol.DefaultSPICS,
			SCK:  protocol.DefaultSPISCK,
		},
	}
}

// Option is a functional option for configuring the Updater.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithProgressCallback sets a callback to track update progress.
//
// Example:
//
//	u := updater.New(peripheral,
//	    updater.WithProgressCallback(func(p updater.Progress) {
//	        fmt.Printf("[%s] %.1f%%\n", p.Phase, p.Percentage)
//	    }),
//	)
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = callback
	}
}

// WithConfirmer sets who is asked before rebooting the peripheral.
func WithConfirmer(confirmer Confirmer) Option {
	return func(c *Config) {
		if confirmer != nil {
			c.Confirmer = confirmer
		}
	}
}

// WithStatusTimeout sets the per-command status timeout.
func WithStatusTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.StatusTimeout = timeout
		}
	}
}

// WithBlockSize sets the minimum block size. The negotiated block size is
// never smaller than one patch data write.
func WithBlockSize(size int) Option {
	return func(c *Config) {
		if size > 0 && size <= 0xFFFF {
			c.BlockSize = size
		}
	}
}

// WithMemoryBank selects the image bank written on the external flash.
func WithMemoryBank(bank byte) Option {
	return func(c *Config) {
		c.MemoryBank = bank
	}
}

// WithGPIOMap sets the SPI pin assignment.
func WithGPIOMap(m GPIOMap) Option {
	return func(c *Config) {
		c.GPIO = m
	}
}
