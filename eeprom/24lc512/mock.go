package eeprom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mklimuk/memory"
)

var _ memory.Bus = &MockDevice{}

// Transfer is a single bus transaction seen by MockDevice.
type Transfer struct {
	Address byte
	Read    bool
	Data    []byte
}

// MockDevice is an in-memory 24LC512 sitting on its own bus. It can be used in place of real
// hardware for tests and dry runs.
//
// It follows the chip behaviour that matters to the driver:
//   - the array is erased (0xFF) on creation
//   - a 2 byte write sets the address pointer, a 3 byte write also stores a byte unless WP is high
//   - every transfer is NACKed for WriteCycle after a stored byte
//   - a read returns the byte under the pointer and advances it
//
// Example usage:
//
//	chip := NewMockDevice()
//	e := New(chip)
//	_ = e.Begin(ctx, WithWriteProtectPin(chip.Pin()))
type MockDevice struct {
	mx         sync.Mutex
	address    byte
	cells      []byte
	pointer    uint16
	wp         bool
	busyUntil  time.Time
	writeCycle time.Duration
	inits      int
	halts      int
	log        []Transfer
	pin        *MockPin
}

type MockOption func(*MockDevice)

func WithMockAddress(address byte) MockOption {
	return func(m *MockDevice) {
		m.address = address
	}
}

// WithWriteCycle sets how long the mock refuses transfers after storing a byte.
func WithWriteCycle(d time.Duration) MockOption {
	return func(m *MockDevice) {
		m.writeCycle = d
	}
}

func NewMockDevice(opts ...MockOption) *MockDevice {
	m := &MockDevice{
		address:    DefaultAddress,
		cells:      make([]byte, Capacity),
		writeCycle: SettleDelay,
	}
	for i := range m.cells {
		m.cells[i] = 0xFF
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pin = &MockPin{dev: m}
	return m
}

func (m *MockDevice) Init(ctx context.Context) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.inits++
	return nil
}

func (m *MockDevice) Halt(ctx context.Context) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.halts++
	return nil
}

func (m *MockDevice) Release(ctx context.Context) error {
	return nil
}

func (m *MockDevice) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.log = append(m.log, Transfer{Address: address, Data: append([]byte(nil), buffer...)})
	if err := m.ack(address); err != nil {
		return err
	}
	if len(buffer) < 2 {
		return fmt.Errorf("mock 24lc512: short address write (%d bytes): %w", len(buffer), memory.ErrNACK)
	}
	m.pointer = uint16(buffer[0])<<8 | uint16(buffer[1])
	data := buffer[2:]
	if len(data) == 0 {
		return nil
	}
	if len(data) > 1 {
		return fmt.Errorf("mock 24lc512: page writes not supported (%d bytes)", len(data))
	}
	if m.wp {
		// acknowledged but not stored
		return nil
	}
	m.cells[m.pointer] = data[0]
	m.pointer++
	m.busyUntil = time.Now().Add(m.writeCycle)
	return nil
}

func (m *MockDevice) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if err := m.ack(address); err != nil {
		m.log = append(m.log, Transfer{Address: address, Read: true})
		return err
	}
	for i := range buffer {
		buffer[i] = m.cells[m.pointer]
		m.pointer++
	}
	m.log = append(m.log, Transfer{Address: address, Read: true, Data: append([]byte(nil), buffer...)})
	return nil
}

func (m *MockDevice) ack(address byte) error {
	if address != m.address {
		return fmt.Errorf("mock 24lc512: no device at %#x: %w", address, memory.ErrNACK)
	}
	if time.Now().Before(m.busyUntil) {
		return fmt.Errorf("mock 24lc512: write cycle in progress: %w", memory.ErrNACK)
	}
	return nil
}

// Pin returns the output driving the mock WP line.
func (m *MockDevice) Pin() *MockPin {
	return m.pin
}

// Peek returns the stored byte without any bus traffic.
func (m *MockDevice) Peek(address uint16) byte {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.cells[address]
}

// Transfers returns a copy of the transaction log.
func (m *MockDevice) Transfers() []Transfer {
	m.mx.Lock()
	defer m.mx.Unlock()
	return append([]Transfer(nil), m.log...)
}

// Sessions returns how many times the bus was initialized and halted.
func (m *MockDevice) Sessions() (inits, halts int) {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.inits, m.halts
}

// MockPin drives the WP line of a MockDevice.
type MockPin struct {
	dev        *MockDevice
	configured int
}

// Configure counts configurations; like a real output latch it keeps the current WP level.
func (p *MockPin) Configure(ctx context.Context) error {
	p.dev.mx.Lock()
	defer p.dev.mx.Unlock()
	p.configured++
	return nil
}

func (p *MockPin) Set(ctx context.Context, high bool) error {
	p.dev.mx.Lock()
	defer p.dev.mx.Unlock()
	p.dev.wp = high
	return nil
}

// Level reports the current WP level.
func (p *MockPin) Level() bool {
	p.dev.mx.Lock()
	defer p.dev.mx.Unlock()
	return p.dev.wp
}

func (p *MockPin) Configured() int {
	p.dev.mx.Lock()
	defer p.dev.mx.Unlock()
	return p.configured
}

func (p *MockPin) String() string {
	return "mock-wp"
}
