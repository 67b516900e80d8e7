package i2c

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/mklimuk/memory"
)

var _ memory.Bus = &GenericBus{}

// GenericBus is a memory.Bus backed by a periph.io I2C bus (e.g. /dev/i2c-1 on Linux boards).
type GenericBus struct {
	mx    sync.Mutex
	name  string
	bus   i2c.Bus
	owned bool
	speed physic.Frequency
}

// NewGenericBus returns a bus opened by name on Init.
func NewGenericBus(dev string) *GenericBus {
	return &GenericBus{name: dev}
}

// NewBus wraps an already opened bus. Halt does not close it.
func NewBus(bus i2c.Bus) *GenericBus {
	return &GenericBus{bus: bus, name: bus.String()}
}

func (b *GenericBus) Init(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.bus != nil {
		return nil
	}
	state, err := host.Init()
	if err != nil {
		return fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("host driver loaded", "driver", driver.String())
	}
	bus, err := i2creg.Open(b.name)
	if err != nil {
		return fmt.Errorf("could not open i2c bus %q: %w", b.name, err)
	}
	if b.speed != 0 {
		err = bus.SetSpeed(b.speed)
		if err != nil {
			_ = bus.Close()
			return fmt.Errorf("could not set i2c bus speed: %w", err)
		}
	}
	b.bus = bus
	b.owned = true
	return nil
}

func (b *GenericBus) Halt(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.owned || b.bus == nil {
		return nil
	}
	closer, ok := b.bus.(i2c.BusCloser)
	b.bus = nil
	b.owned = false
	if !ok {
		return nil
	}
	return closer.Close()
}

// SetSpeed sets the bus clock. Before Init the value is applied when the bus is opened.
func (b *GenericBus) SetSpeed(f physic.Frequency) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.speed = f
	if b.bus == nil {
		return nil
	}
	return b.bus.SetSpeed(f)
}

func (b *GenericBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	bus, err := b.get()
	if err != nil {
		return err
	}
	err = bus.Tx(uint16(address), nil, buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *GenericBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	bus, err := b.get()
	if err != nil {
		return err
	}
	err = bus.Tx(uint16(address), buffer, nil)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	return nil
}

// Release is a no-op; the kernel driver aborts failed transfers by itself.
func (b *GenericBus) Release(ctx context.Context) error {
	return nil
}

func (b *GenericBus) String() string {
	return b.name
}

func (b *GenericBus) get() (i2c.Bus, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.bus == nil {
		return nil, fmt.Errorf("i2c bus %q not initialized", b.name)
	}
	return b.bus, nil
}
