package gpio

import (
	"context"
	"fmt"

	ggpio "gobot.io/x/gobot/v2/drivers/gpio"
)

// GobotDigitalPin is a gobot adaptor able to read and write header pins, e.g. nanopi.NewNeoAdaptor().
type GobotDigitalPin interface {
	ggpio.DigitalReader
	ggpio.DigitalWriter
}

// GobotPin is a board pin driven through a gobot adaptor, e.g. "7" on a NanoPi header.
type GobotPin struct {
	writer GobotDigitalPin
	id     string
}

func NewGobotPin(writer GobotDigitalPin, id string) *GobotPin {
	return &GobotPin{writer: writer, id: id}
}

// Configure switches the pin to output at the level it currently reads; gobot sets the direction
// on the first write.
func (p *GobotPin) Configure(ctx context.Context) error {
	val, err := p.writer.DigitalRead(p.id)
	if err != nil {
		return fmt.Errorf("could not read pin %s: %w", p.id, err)
	}
	return p.Set(ctx, val != 0)
}

func (p *GobotPin) Set(ctx context.Context, high bool) error {
	var val byte
	if high {
		val = 1
	}
	err := p.writer.DigitalWrite(p.id, val)
	if err != nil {
		return fmt.Errorf("could not write pin %s: %w", p.id, err)
	}
	return nil
}

func (p *GobotPin) String() string {
	return "gobot:" + p.id
}
