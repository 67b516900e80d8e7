package memory

import (
	"context"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")
var ErrNACK = fmt.Errorf("transfer not acknowledged")

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
}

// Bus is an I2C bus whose session can be set up and torn down by the device using it.
// Init must be safe to call more than once.
type Bus interface {
	I2CBus
	Init(ctx context.Context) error
	Halt(ctx context.Context) error
}

// OutputPin is a digital output line, e.g. a memory chip write-protect signal.
// Configure puts the line in output mode driven low.
type OutputPin interface {
	Configure(ctx context.Context) error
	Set(ctx context.Context, high bool) error
}
