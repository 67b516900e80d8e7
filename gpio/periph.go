package gpio

import (
	"context"
	"fmt"

	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PeriphPin is a host GPIO line accessed through periph.io.
type PeriphPin struct {
	pin pgpio.PinIO
}

func NewPeriphPin(pin pgpio.PinIO) *PeriphPin {
	return &PeriphPin{pin: pin}
}

// PeriphPinByName initializes the host drivers and looks up a line such as "GPIO17".
func PeriphPinByName(name string) (*PeriphPin, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("gpio pin %q not found", name)
	}
	return &PeriphPin{pin: pin}, nil
}

// Configure makes the line an output driving the level it currently reads.
func (p *PeriphPin) Configure(ctx context.Context) error {
	return p.Set(ctx, bool(p.pin.Read()))
}

func (p *PeriphPin) Set(ctx context.Context, high bool) error {
	err := p.pin.Out(pgpio.Level(high))
	if err != nil {
		return fmt.Errorf("could not drive %s: %w", p.pin, err)
	}
	return nil
}

func (p *PeriphPin) String() string {
	return p.pin.String()
}
