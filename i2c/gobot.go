package i2c

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gobot "gobot.io/x/gobot/v2/drivers/i2c"

	"github.com/mklimuk/memory"
)

var _ memory.Bus = &GobotBus{}

// GobotConnector is a gobot platform adaptor offering I2C connections, e.g. nanopi.NewNeoAdaptor().
type GobotConnector interface {
	gobot.Connector
	Connect() error
	Finalize() error
}

// GobotBus is a memory.Bus on top of a gobot adaptor. One connection per device address is opened lazily.
type GobotBus struct {
	mx        sync.Mutex
	adaptor   GobotConnector
	busNr     int
	connected bool
	conns     map[byte]gobot.Connection
}

type GobotBusOption func(*GobotBus)

// WithBusNumber selects the I2C bus of the board; the adaptor default is used otherwise.
func WithBusNumber(nr int) GobotBusOption {
	return func(b *GobotBus) {
		b.busNr = nr
	}
}

func NewGobotBus(adaptor GobotConnector, opts ...GobotBusOption) *GobotBus {
	b := &GobotBus{
		adaptor: adaptor,
		busNr:   adaptor.DefaultI2cBus(),
		conns:   make(map[byte]gobot.Connection),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *GobotBus) Init(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.connected {
		return nil
	}
	err := b.adaptor.Connect()
	if err != nil {
		return fmt.Errorf("adaptor connect error: %w", err)
	}
	b.connected = true
	return nil
}

func (b *GobotBus) Halt(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.connected {
		return nil
	}
	var errs []error
	for addr, conn := range b.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("could not close connection to %x: %w", addr, err))
		}
		delete(b.conns, addr)
	}
	if err := b.adaptor.Finalize(); err != nil {
		errs = append(errs, fmt.Errorf("adaptor finalize error: %w", err))
	}
	b.connected = false
	return errors.Join(errs...)
}

func (b *GobotBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	conn, err := b.connection(address)
	if err != nil {
		return err
	}
	n, err := conn.Write(buffer)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("short write to i2c bus %x: %d of %d: %w", address, n, len(buffer), memory.ErrNACK)
	}
	return nil
}

func (b *GobotBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	conn, err := b.connection(address)
	if err != nil {
		return err
	}
	n, err := conn.Read(buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("short read from i2c bus %x: %d of %d", address, n, len(buffer))
	}
	return nil
}

func (b *GobotBus) Release(ctx context.Context) error {
	return nil
}

func (b *GobotBus) connection(address byte) (gobot.Connection, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.connected {
		return nil, fmt.Errorf("gobot i2c bus %d not initialized", b.busNr)
	}
	if conn, ok := b.conns[address]; ok {
		return conn, nil
	}
	conn, err := b.adaptor.GetI2cConnection(int(address), b.busNr)
	if err != nil {
		return nil, fmt.Errorf("could not open connection to %x on bus %d: %w", address, b.busNr, err)
	}
	b.conns[address] = conn
	return conn, nil
}
