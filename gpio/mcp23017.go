package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mklimuk/memory"
)

const DefaultMCP23017Address = 0x21

type Port int

const (
	PortA Port = iota
	PortB
)

func (p Port) String() string {
	if p == PortB {
		return "B"
	}
	return "A"
}

type register int

const (
	regIODIR register = iota
	regGPIO
	regOLAT
)

// register addresses per IOCON.BANK setting and port
var bankAddr = [2]map[register][2]byte{
	{
		regIODIR: {0x00, 0x01},
		regGPIO:  {0x12, 0x13},
		regOLAT:  {0x14, 0x15},
	},
	{
		regIODIR: {0x00, 0x10},
		regGPIO:  {0x09, 0x19},
		regOLAT:  {0x0A, 0x1A},
	},
}

// MCP23017 is a Microchip 16-bit I2C I/O expander. It is used here to drive lines such as the
// memory write-protect signal when the host has no spare GPIO.
type MCP23017 struct {
	mx         sync.Mutex
	transport  memory.I2CBus
	bank       int
	address    byte
	retryLimit int
}

type MCP23017Option func(*MCP23017)

// WithBank selects register addressing for IOCON.BANK = 1.
func WithBank(bank int) MCP23017Option {
	return func(m *MCP23017) {
		m.bank = bank & 0x01
	}
}

// WithRetryLimit sets how many times a transfer is tried when the bus is busy; at least once.
func WithRetryLimit(limit int) MCP23017Option {
	return func(m *MCP23017) {
		m.retryLimit = max(limit, 1)
	}
}

func NewMCP23017(bus memory.I2CBus, address byte, opts ...MCP23017Option) *MCP23017 {
	m := &MCP23017{retryLimit: 1, transport: bus, address: address}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pin returns output line n (0-7) of port as a memory.OutputPin.
func (m *MCP23017) Pin(port Port, n int) (*ExpanderPin, error) {
	if n < 0 || n > 7 {
		return nil, fmt.Errorf("mcp23017: invalid pin %d", n)
	}
	return &ExpanderPin{dev: m, port: port, mask: 1 << n, n: n}, nil
}

// Read returns the input levels of ports A and B.
func (m *MCP23017) Read(ctx context.Context) ([]byte, error) {
	a, err := m.readRegister(ctx, regGPIO, PortA)
	if err != nil {
		return nil, fmt.Errorf("could not read gpio set A: %w", err)
	}
	b, err := m.readRegister(ctx, regGPIO, PortB)
	if err != nil {
		return nil, fmt.Errorf("could not read gpio set B: %w", err)
	}
	return []byte{a, b}, nil
}

// update sets the bits in mask of register reg to value, keeping the others.
func (m *MCP23017) update(ctx context.Context, reg register, port Port, mask byte, set bool) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	current, err := m.readRegister(ctx, reg, port)
	if err != nil {
		return err
	}
	next := current &^ mask
	if set {
		next |= mask
	}
	if next == current {
		return nil
	}
	return m.retry(ctx, func() error {
		return m.transport.WriteToAddr(ctx, m.address, []byte{bankAddr[m.bank][reg][port], next})
	})
}

// bit reports whether the bits in mask of register reg are set.
func (m *MCP23017) bit(ctx context.Context, reg register, port Port, mask byte) (bool, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	val, err := m.readRegister(ctx, reg, port)
	if err != nil {
		return false, err
	}
	return val&mask != 0, nil
}

func (m *MCP23017) readRegister(ctx context.Context, reg register, port Port) (byte, error) {
	buf := make([]byte, 1)
	err := m.retry(ctx, func() error {
		err := m.transport.WriteToAddr(ctx, m.address, []byte{bankAddr[m.bank][reg][port]})
		if err != nil {
			return fmt.Errorf("could not set register address: %w", err)
		}
		err = m.transport.ReadFromAddr(ctx, m.address, buf)
		if err != nil {
			return fmt.Errorf("could not read register: %w", err)
		}
		return nil
	})
	return buf[0], err
}

func (m *MCP23017) retry(ctx context.Context, op func() error) error {
	var err error
	for i := m.retryLimit; i > 0; i-- {
		err = op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, memory.ErrBusBusy) {
			return err
		}
		// try to release the bus
		_ = m.transport.Release(ctx)
	}
	return fmt.Errorf("retry limit reached: %w", err)
}

// ExpanderPin is a single MCP23017 line used as a digital output.
type ExpanderPin struct {
	dev  *MCP23017
	port Port
	mask byte
	n    int
}

// Configure switches the line to output. An output line is left alone; an input line first has
// its latch loaded with the level it reads so the switch does not change it.
func (p *ExpanderPin) Configure(ctx context.Context) error {
	input, err := p.dev.bit(ctx, regIODIR, p.port, p.mask)
	if err != nil {
		return fmt.Errorf("mcp23017: could not read %s direction: %w", p, err)
	}
	if !input {
		return nil
	}
	level, err := p.dev.bit(ctx, regGPIO, p.port, p.mask)
	if err != nil {
		return fmt.Errorf("mcp23017: could not read %s level: %w", p, err)
	}
	err = p.dev.update(ctx, regOLAT, p.port, p.mask, level)
	if err != nil {
		return fmt.Errorf("mcp23017: could not load %s latch: %w", p, err)
	}
	err = p.dev.update(ctx, regIODIR, p.port, p.mask, false)
	if err != nil {
		return fmt.Errorf("mcp23017: could not set %s as output: %w", p, err)
	}
	return nil
}

func (p *ExpanderPin) Set(ctx context.Context, high bool) error {
	err := p.dev.update(ctx, regOLAT, p.port, p.mask, high)
	if err != nil {
		return fmt.Errorf("mcp23017: could not drive %s: %w", p, err)
	}
	return nil
}

func (p *ExpanderPin) String() string {
	return fmt.Sprintf("mcp23017@%#x:%s%d", p.dev.address, p.port, p.n)
}
