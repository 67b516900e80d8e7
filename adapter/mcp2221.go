package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karalabe/hid"

	"github.com/mklimuk/memory"
	"github.com/mklimuk/memory/memctx"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

const reportSize = 64

// HID commands (datasheet table 3-1)
const (
	cmdStatus     = 0x10
	cmdGPIOSet    = 0x50
	cmdGPIOGet    = 0x51
	cmdI2CWrite   = 0x90
	cmdI2CRead    = 0x91
	cmdI2CGetData = 0x40
	cmdSRAMSet    = 0xB1
	cmdSRAMGet    = 0xB0
)

const (
	statusCancelTransfer = 0x10
	i2cEngineBusy        = 0x01
	i2cReadError         = 0x41
	invalidDataSize      = 127
)

// I2C engine states reported in byte 8 of the status response
const (
	i2cStateIdle            = 0x00
	i2cStateStartTimeout    = 0x12
	i2cStateRepStartTimeout = 0x17
	i2cStateAddrTimeout     = 0x23
	i2cStateAddrNACK        = 0x25
	i2cStateWriteTimeout    = 0x44
	i2cStateReadTimeout     = 0x52
	i2cStateStopTimeout     = 0x62
)

const statusPollLimit = 10

const gpioOutputHigh = 0x10

var ErrCommandUnsupported = errors.New("unsupported command")
var ErrCommandFailed = errors.New("command failed")
var ErrDeviceNotFound = errors.New("MCP2221 device not found")
var ErrI2CTimeout = errors.New("I2C transfer timed out")

var _ memory.Bus = &MCP2221{}

// MCP2221 is a Microchip USB to I2C/GPIO bridge. It exposes the I2C engine as a memory.Bus and its
// four GP lines as output pins.
type MCP2221 struct {
	mx           sync.Mutex
	request      []byte
	response     []byte
	responseWait time.Duration
	id           []int
	transport    func(ctx context.Context, request, response []byte, id ...int) error
}

type MCP2221Status struct {
	I2CState               int    `yaml:"i2c_state"`
	I2CDataBufferCounter   int    `yaml:"i2c_data_buffer_counter"`
	I2CSpeedDivider        int    `yaml:"i2c_speed_divider"`
	I2CTimeout             int    `yaml:"i2c_timeout"`
	CurrentAddress         string `yaml:"current_address"`
	LastWriteRequestedSize uint16 `yaml:"last_write_requested_size"`
	LastWriteSentSize      uint16 `yaml:"last_write_sent_size"`
	ReadPending            int    `yaml:"read_pending"`
}

type GPIOMode byte

const (
	GPIOModeOut         GPIOMode = 0b00000000
	GPIOModeIn          GPIOMode = 0b00001000
	GPIOModeNoOperation GPIOMode = 0xEF
)

func (m GPIOMode) String() string {
	switch m {
	case GPIOModeIn:
		return "INPUT"
	case GPIOModeOut:
		return "OUTPUT"
	default:
		return "NOOP"
	}
}

type GPIODesignation byte

// GPIOOperation is the only designation under which a GP line works as a digital output.
const GPIOOperation GPIODesignation = 0b00000000

const gpioModeMask = 0b00001000
const gpioOperationMask = 0b00000111

// GPPinCount is the number of GP lines.
const GPPinCount = 4

type MCP2221GPIOParameters struct {
	Mode        [GPPinCount]GPIOMode        `yaml:"mode"`
	Designation [GPPinCount]GPIODesignation `yaml:"designation"`
	Output      [GPPinCount]bool            `yaml:"output"`
}

type MCP2221Option func(*MCP2221)

// WithDeviceIndex selects one bridge when several are plugged in.
func WithDeviceIndex(id int) MCP2221Option {
	return func(d *MCP2221) {
		d.id = []int{id}
	}
}

// WithResponseWait sets how long to wait for the bridge to answer a report.
func WithResponseWait(wait time.Duration) MCP2221Option {
	return func(d *MCP2221) {
		d.responseWait = wait
	}
}

func NewMCP2221(opts ...MCP2221Option) *MCP2221 {
	d := &MCP2221{
		request:      make([]byte, reportSize),
		response:     make([]byte, reportSize),
		responseWait: 50 * time.Millisecond,
	}
	d.transport = d.hidTransfer
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init checks the bridge is present and its I2C engine idle, cancelling a stuck transfer if needed.
func (d *MCP2221) Init(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	err := d.send(ctx)
	if err != nil {
		return fmt.Errorf("adapter initialization error: %w", err)
	}
	if status := bufferToStatus(d.response); status.ReadPending != 0 || status.LastWriteSentSize != status.LastWriteRequestedSize {
		slog.Debug("mcp2221 transfer pending, cancelling", "status", status)
		_, err = d.releaseBus(ctx)
		return err
	}
	return nil
}

// Halt cancels any transfer left in the I2C engine.
func (d *MCP2221) Halt(ctx context.Context) error {
	return d.Release(ctx)
}

func (d *MCP2221) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdI2CWrite
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address << 1
	copy(d.request[4:], buffer)
	err := d.send(ctx)
	if err != nil {
		return fmt.Errorf("write to %x failed: %w", address, err)
	}
	if d.response[1] == i2cEngineBusy {
		slog.Debug("mcp2221 busy", "address", address)
		return memory.ErrBusBusy
	}
	return d.waitWriteDone(ctx, address)
}

// waitWriteDone polls the engine until the write has left the bridge. The write command itself is
// answered before the transfer runs, so an address NACK only shows up in the status report.
func (d *MCP2221) waitWriteDone(ctx context.Context, address byte) error {
	for range statusPollLimit {
		d.resetBuffers()
		d.request[0] = cmdStatus
		err := d.send(ctx)
		if err != nil {
			return fmt.Errorf("write status request failed: %w", err)
		}
		state := d.response[8]
		switch {
		case state == i2cStateIdle:
			return nil
		case state == i2cStateAddrNACK:
			// the engine holds the failed transfer until it is cancelled
			_, _ = d.releaseBus(ctx)
			return fmt.Errorf("write to %x not acknowledged: %w", address, memory.ErrNACK)
		case i2cTimeout(state):
			_, _ = d.releaseBus(ctx)
			return fmt.Errorf("write to %x in state %#02x: %w", address, state, ErrI2CTimeout)
		}
	}
	return fmt.Errorf("write to %x still running after %d status polls: %w", address, statusPollLimit, memory.ErrBusBusy)
}

func i2cTimeout(state byte) bool {
	switch state {
	case i2cStateStartTimeout, i2cStateRepStartTimeout, i2cStateAddrTimeout,
		i2cStateWriteTimeout, i2cStateReadTimeout, i2cStateStopTimeout:
		return true
	}
	return false
}

func (d *MCP2221) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdI2CRead
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address<<1 + 1
	err := d.send(ctx)
	if err != nil {
		return fmt.Errorf("bus read from %x failed: %w", address, err)
	}
	if d.response[1] == i2cEngineBusy {
		return memory.ErrBusBusy
	}
	d.resetBuffers()
	d.request[0] = cmdI2CGetData
	err = d.send(ctx)
	if err != nil {
		return fmt.Errorf("error getting read data from adapter: %w", err)
	}
	if d.response[1] == i2cReadError {
		return fmt.Errorf("error reading the I2C slave data from the I2C engine: %w", memory.ErrNACK)
	}
	if d.response[3] == invalidDataSize || int(d.response[3]) != len(buffer) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d", len(buffer), d.response[3])
	}
	copy(buffer, d.response[4:])
	return nil
}

func (d *MCP2221) Release(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	_, err := d.releaseBus(ctx)
	return err
}

// ReleaseBus cancels the current I2C transfer and returns the engine status.
func (d *MCP2221) ReleaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.releaseBus(ctx)
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	err := d.send(ctx)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func (d *MCP2221) GetGPIOParameters(ctx context.Context) (MCP2221GPIOParameters, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdSRAMGet
	d.request[1] = 0x01
	err := d.send(ctx)
	if err != nil {
		return MCP2221GPIOParameters{}, fmt.Errorf("get GP parameters command write failed: %w", err)
	}
	if d.response[1] != 0x00 {
		return MCP2221GPIOParameters{}, ErrCommandUnsupported
	}
	var params MCP2221GPIOParameters
	for i := 0; i < GPPinCount; i++ {
		params.Mode[i] = GPIOMode(d.response[22+i] & gpioModeMask)
		params.Designation[i] = GPIODesignation(d.response[22+i] & gpioOperationMask)
		params.Output[i] = d.response[22+i]&gpioOutputHigh != 0
	}
	return params, nil
}

func (d *MCP2221) SetGPIOParameters(ctx context.Context, params MCP2221GPIOParameters) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdSRAMSet
	// alter GPIO configuration
	d.request[7] = 0x80
	for i := 0; i < GPPinCount; i++ {
		d.request[8+i] = byte(params.Designation[i]) | byte(params.Mode[i])
		if params.Output[i] {
			d.request[8+i] |= gpioOutputHigh
		}
	}
	err := d.send(ctx)
	if err != nil {
		return fmt.Errorf("set GP parameters command write failed: %w", err)
	}
	if d.response[1] != 0x00 {
		return ErrCommandFailed
	}
	return nil
}

// SetGPIO drives GP line n as an output.
func (d *MCP2221) SetGPIO(ctx context.Context, n int, high bool) error {
	if n < 0 || n >= GPPinCount {
		return fmt.Errorf("invalid GP pin: %d", n)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	fillGPIOSet(d.request, n, high)
	err := d.send(ctx)
	if err != nil {
		return fmt.Errorf("set GPIO command write failed: %w", err)
	}
	if d.response[1] != 0x00 {
		return ErrCommandFailed
	}
	return nil
}

// ReadGPIO returns the levels of the four GP lines; lines not in GPIO operation read as 0xEE.
func (d *MCP2221) ReadGPIO(ctx context.Context) ([GPPinCount]byte, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	var res [GPPinCount]byte
	d.resetBuffers()
	d.request[0] = cmdGPIOGet
	err := d.send(ctx)
	if err != nil {
		return res, fmt.Errorf("read GPIO values command write failed: %w", err)
	}
	if d.response[1] != 0x00 {
		return res, ErrCommandFailed
	}
	for i := range res {
		res[i] = d.response[2+2*i]
	}
	return res, nil
}

// Pin returns GP line n as a memory.OutputPin.
func (d *MCP2221) Pin(n int) (*GPPin, error) {
	if n < 0 || n >= GPPinCount {
		return nil, fmt.Errorf("invalid GP pin: %d", n)
	}
	return &GPPin{dev: d, n: n}, nil
}

// GPPin is a MCP2221 GP line used as a digital output.
type GPPin struct {
	dev *MCP2221
	n   int
}

// Configure switches the line to GPIO output. A line that already is an output is left alone;
// an input keeps the level it currently reads.
func (p *GPPin) Configure(ctx context.Context) error {
	params, err := p.dev.GetGPIOParameters(ctx)
	if err != nil {
		return err
	}
	if params.Designation[p.n] == GPIOOperation && params.Mode[p.n] == GPIOModeOut {
		return nil
	}
	levels, err := p.dev.ReadGPIO(ctx)
	if err != nil {
		return err
	}
	params.Designation[p.n] = GPIOOperation
	params.Mode[p.n] = GPIOModeOut
	params.Output[p.n] = levels[p.n] == 0x01
	return p.dev.SetGPIOParameters(ctx, params)
}

func (p *GPPin) Set(ctx context.Context, high bool) error {
	return p.dev.SetGPIO(ctx, p.n, high)
}

func (p *GPPin) String() string {
	return fmt.Sprintf("GP%d", p.n)
}

func fillGPIOSet(request []byte, n int, high bool) {
	request[0] = cmdGPIOSet
	i := 2 + 4*n
	request[i] = 0x01 // alter output value
	if high {
		request[i+1] = 0x01
	}
	request[i+2] = 0x01 // alter direction
	request[i+3] = 0x00 // output
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	/*
		8: I2C engine state
		9: Lower byte (16-bit value) of the requested I2C transfer length
		10: Higher byte (16-bit value) of the requested I2C transfer length
		11:	Lower byte (16-bit value) of the already transferred (through I2C) number of bytes
		12:	Higher byte (16-bit value) of the already transferred (through I2C) number of bytes
		13:	Internal I2C data buffer counter
		14: Current I2C communication speed divider value
		15: Current I2C timeout value
		16:	Lower byte (16-bit value) of the I2C address being used
		17:	Higher byte (16-bit value) of the I2C address being used
	*/
	return &MCP2221Status{
		I2CState:               int(buffer[8]),
		I2CDataBufferCounter:   int(buffer[13]),
		I2CSpeedDivider:        int(buffer[14]),
		I2CTimeout:             int(buffer[15]),
		ReadPending:            int(buffer[25]),
		CurrentAddress:         hex.EncodeToString(buffer[16:18]),
		LastWriteRequestedSize: binary.LittleEndian.Uint16(buffer[9:11]),
		LastWriteSentSize:      binary.LittleEndian.Uint16(buffer[11:13]),
	}
}

func (d *MCP2221) releaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[2] = statusCancelTransfer
	err := d.send(ctx)
	if err != nil {
		return nil, fmt.Errorf("cancel transfer request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func (d *MCP2221) send(ctx context.Context) error {
	verbose := memctx.IsVerbose(ctx)
	if verbose {
		fmt.Printf("sending message to adapter:\n%s\n", hex.Dump(d.request))
	}
	err := d.transport(ctx, d.request, d.response, d.id...)
	if err != nil {
		return err
	}
	if verbose {
		fmt.Printf("read message from adapter:\n%s\n", hex.Dump(d.response))
	}
	return nil
}

func (d *MCP2221) hidTransfer(ctx context.Context, request, response []byte, id ...int) error {
	devs := hid.Enumerate(VendorID, ProductID)
	if len(devs) == 0 {
		return ErrDeviceNotFound
	}
	if len(devs) > 1 && len(id) == 0 {
		return fmt.Errorf("ambiguous device identification")
	}
	info := devs[0]
	if len(id) > 0 {
		if id[0] < 0 || id[0] >= len(devs) {
			return fmt.Errorf("no device with id %d", id[0])
		}
		info = devs[id[0]]
	}
	dev, err := info.Open()
	if err != nil {
		return fmt.Errorf("error opening device: %w", err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Debug("could not close mcp2221 handle", "error", err)
		}
	}()
	n, err := dev.Write(request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short write: %d", n)
	}
	timer := time.NewTimer(d.responseWait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	n, err = dev.Read(response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short read: %d", n)
	}
	return nil
}

func (d *MCP2221) resetBuffers() {
	clear(d.request)
	clear(d.response)
}
