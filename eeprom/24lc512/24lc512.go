// Package eeprom provides a driver for the Microchip 24LC512 512-Kbit I2C serial EEPROM
// (and other 24xx512-class parts with two address bytes).
//
// Datasheet reference: Microchip 24AA512/24LC512/24FC512 (DS20001754), sections 6.0 (write
// operations) and 8.0 (read operations).
//
// The driver performs single byte transfers only:
//
//	write:  S [dev W] [addr hi] [addr lo] [data] P
//	read:   S [dev W] [addr hi] [addr lo] P  S [dev R] [data] P
//
// After a byte write the chip runs an internal write cycle (5ms max per datasheet) and does not
// acknowledge anything until it is done. The driver keeps track of this: Write returns as soon as
// the transfer completes and the next Write or Read waits until the settle delay has elapsed.
// Pass WithSettleDelay(0) to take that obligation over.
//
// Write protection is a hardware feature. While the WP line is high the chip still acknowledges
// address and data bytes but does not store them, so Write returns nil even though nothing was
// written. The driver cannot detect this.
//
// Example usage:
//
//	bus := i2c.NewGenericBus("/dev/i2c-1")
//	e := eeprom.New(bus)
//	if err := e.Begin(ctx, eeprom.WithWriteProtectPin(wp)); err != nil { log.Fatal(err) }
//	defer e.End(ctx)
//	_ = e.WriteProtect(ctx, false)
//	err := e.Write(ctx, 0x0000, 0x42)
//	b, err := e.Read(ctx, 0x0000)
package eeprom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mklimuk/memory"
)

const (
	// DefaultAddress is the 7-bit bus address with A2..A0 tied low.
	DefaultAddress = 0x50
	// SettleDelay is the maximum internal write cycle time.
	SettleDelay = 5 * time.Millisecond
	// Capacity is the size of the memory array in bytes.
	Capacity = 65536
	// NoData is returned by Read together with an error when no byte was received.
	NoData byte = 0xFF
)

var (
	ErrNotInitialized = errors.New("eeprom: device not initialized (Begin not called or End already called)")
	ErrNoBus          = errors.New("eeprom: no bus given")
	ErrNoResponse     = errors.New("eeprom: no response from device")
	ErrOutOfRange     = errors.New("eeprom: address range out of bounds")
)

type Config struct {
	Address         byte
	WriteProtectPin memory.OutputPin
	SettleDelay     time.Duration
}

type Option func(*Config)

// WithAddress sets the 7-bit device address (0x50-0x57 depending on A2..A0).
func WithAddress(address byte) Option {
	return func(c *Config) {
		c.Address = address
	}
}

// WithWriteProtectPin sets the output driving the WP signal. A nil pin means no pin is wired.
func WithWriteProtectPin(pin memory.OutputPin) Option {
	return func(c *Config) {
		c.WriteProtectPin = pin
	}
}

func WithSettleDelay(delay time.Duration) Option {
	return func(c *Config) {
		c.SettleDelay = delay
	}
}

func defaultConfig() Config {
	return Config{
		Address:     DefaultAddress,
		SettleDelay: SettleDelay,
	}
}

// EEPROM represents a 24LC512 device. The zero value is not bound to any bus; use New.
type EEPROM struct {
	mx         sync.Mutex
	defaultBus memory.Bus
	bus        memory.Bus
	config     Config
	ready      bool
	readyAt    time.Time
}

// New returns a device that Begin binds to defaultBus. defaultBus may be nil if only BeginOn is used.
func New(defaultBus memory.Bus) *EEPROM {
	return &EEPROM{defaultBus: defaultBus, config: defaultConfig()}
}

// Begin prepares the device on the bus given to New.
func (e *EEPROM) Begin(ctx context.Context, opts ...Option) error {
	if e.defaultBus == nil {
		return ErrNoBus
	}
	return e.BeginOn(ctx, e.defaultBus, opts...)
}

// BeginOn binds the device to bus, configures the write-protect pin (if any) as an output without
// changing its level and initializes the bus. It may be called again to reconfigure the device.
func (e *EEPROM) BeginOn(ctx context.Context, bus memory.Bus, opts ...Option) error {
	if bus == nil {
		return ErrNoBus
	}
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	e.bus = bus
	e.config = config
	e.ready = false
	if config.WriteProtectPin != nil {
		err := config.WriteProtectPin.Configure(ctx)
		if err != nil {
			return fmt.Errorf("eeprom: could not configure write-protect pin: %w", err)
		}
	}
	err := bus.Init(ctx)
	if err != nil {
		return fmt.Errorf("eeprom: could not initialize bus: %w", err)
	}
	e.ready = true
	slog.Debug("eeprom ready", "address", fmt.Sprintf("%#x", config.Address), "wp", config.WriteProtectPin != nil)
	return nil
}

// End waits for a pending write cycle and tears down the bus session. The device can be started
// again with Begin. Calling End without an active session returns ErrNotInitialized.
func (e *EEPROM) End(ctx context.Context) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	if !e.ready {
		return ErrNotInitialized
	}
	e.ready = false
	// the next session must find the chip out of its write cycle
	werr := e.waitUntilReady(ctx)
	err := e.bus.Halt(ctx)
	if err != nil {
		return errors.Join(werr, fmt.Errorf("eeprom: could not halt bus: %w", err))
	}
	return werr
}

// Write stores data at address. A nil error means every byte was acknowledged; with write
// protection asserted the chip acknowledges but discards the byte.
func (e *EEPROM) Write(ctx context.Context, address uint16, data byte) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.write(ctx, address, data)
}

// Read returns the byte stored at address. When the device does not answer the returned
// byte is NoData and the error wraps ErrNoResponse.
func (e *EEPROM) Read(ctx context.Context, address uint16) (byte, error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.read(ctx, address)
}

// WriteProtect drives the WP line high when enabled, low otherwise. It does nothing when no pin is configured.
func (e *EEPROM) WriteProtect(ctx context.Context, enabled bool) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	if !e.ready {
		return ErrNotInitialized
	}
	if e.config.WriteProtectPin == nil {
		slog.Debug("eeprom write-protect pin not configured, ignoring", "enabled", enabled)
		return nil
	}
	err := e.config.WriteProtectPin.Set(ctx, enabled)
	if err != nil {
		return fmt.Errorf("eeprom: could not set write-protect pin: %w", err)
	}
	return nil
}

// ReadRange reads length bytes starting at address, one byte at a time.
func (e *EEPROM) ReadRange(ctx context.Context, address uint16, length int) ([]byte, error) {
	if length < 0 || length > Capacity-int(address) {
		return nil, fmt.Errorf("%w: %#04x+%d", ErrOutOfRange, address, length)
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	res := make([]byte, length)
	for i := range res {
		b, err := e.read(ctx, address+uint16(i))
		if err != nil {
			return res[:i], err
		}
		res[i] = b
	}
	return res, nil
}

// WriteRange writes data starting at address, one byte at a time, honoring the settle delay
// between bytes.
func (e *EEPROM) WriteRange(ctx context.Context, address uint16, data []byte) error {
	if len(data) > Capacity-int(address) {
		return fmt.Errorf("%w: %#04x+%d", ErrOutOfRange, address, len(data))
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	for i, b := range data {
		err := e.write(ctx, address+uint16(i), b)
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *EEPROM) String() string {
	e.mx.Lock()
	defer e.mx.Unlock()
	wp := "none"
	if e.config.WriteProtectPin != nil {
		wp = fmt.Sprintf("%v", e.config.WriteProtectPin)
	}
	return fmt.Sprintf("24LC512{addr: %#x, wp: %s}", e.config.Address, wp)
}

func (e *EEPROM) write(ctx context.Context, address uint16, data byte) error {
	if !e.ready {
		return ErrNotInitialized
	}
	err := e.waitUntilReady(ctx)
	if err != nil {
		return err
	}
	err = e.bus.WriteToAddr(ctx, e.config.Address, []byte{byte(address >> 8), byte(address), data})
	if err != nil {
		return fmt.Errorf("eeprom: write at %#04x failed: %w", address, err)
	}
	// internal write cycle starts on the stop condition
	e.readyAt = time.Now().Add(e.config.SettleDelay)
	return nil
}

func (e *EEPROM) read(ctx context.Context, address uint16) (byte, error) {
	if !e.ready {
		return NoData, ErrNotInitialized
	}
	err := e.waitUntilReady(ctx)
	if err != nil {
		return NoData, err
	}
	err = e.bus.WriteToAddr(ctx, e.config.Address, []byte{byte(address >> 8), byte(address)})
	if err != nil {
		return NoData, fmt.Errorf("%w: could not set read address %#04x: %w", ErrNoResponse, address, err)
	}
	buf := []byte{NoData}
	err = e.bus.ReadFromAddr(ctx, e.config.Address, buf)
	if err != nil {
		return NoData, fmt.Errorf("%w: read at %#04x: %w", ErrNoResponse, address, err)
	}
	return buf[0], nil
}

func (e *EEPROM) waitUntilReady(ctx context.Context) error {
	wait := time.Until(e.readyAt)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
