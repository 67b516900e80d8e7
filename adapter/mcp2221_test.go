package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/memory"
	eeprom "github.com/mklimuk/memory/eeprom/24lc512"
)

// scripted replays responses and records requests instead of talking to a HID device
type scripted struct {
	requests  [][]byte
	responses [][]byte
}

func (s *scripted) transfer(ctx context.Context, request, response []byte, id ...int) error {
	s.requests = append(s.requests, append([]byte(nil), request...))
	if len(s.responses) > 0 {
		copy(response, s.responses[0])
		s.responses = s.responses[1:]
	}
	return nil
}

func newScripted(responses ...[]byte) (*MCP2221, *scripted) {
	s := &scripted{responses: responses}
	d := NewMCP2221()
	d.transport = s.transfer
	return d, s
}

func report(b ...byte) []byte {
	res := make([]byte, reportSize)
	copy(res, b)
	return res
}

func TestMCP2221_WriteToAddr(t *testing.T) {
	d, s := newScripted(report(cmdI2CWrite, 0x00))

	err := d.WriteToAddr(context.Background(), 0x50, []byte{0x12, 0x34, 0xAB})

	require.NoError(t, err)
	require.Len(t, s.requests, 2)
	assert.Equal(t, []byte{cmdI2CWrite, 0x03, 0x00, 0xA0, 0x12, 0x34, 0xAB, 0x00}, s.requests[0][:8])
	assert.Equal(t, byte(cmdStatus), s.requests[1][0])
}

func statusReport(state byte) []byte {
	res := report(cmdStatus, 0x00)
	res[8] = state
	return res
}

func TestMCP2221_WriteToAddrWaitsForEngine(t *testing.T) {
	d, s := newScripted(report(cmdI2CWrite, 0x00), statusReport(0x41), statusReport(i2cStateIdle))

	err := d.WriteToAddr(context.Background(), 0x50, []byte{0x00, 0x00, 0x42})

	require.NoError(t, err)
	assert.Len(t, s.requests, 3)
}

func TestMCP2221_WriteToAddrStatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		state  byte
		target error
	}{
		{name: "address nack", state: i2cStateAddrNACK, target: memory.ErrNACK},
		{name: "write timeout", state: i2cStateWriteTimeout, target: ErrI2CTimeout},
		{name: "address timeout", state: i2cStateAddrTimeout, target: ErrI2CTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, s := newScripted(report(cmdI2CWrite, 0x00), statusReport(tt.state), report(cmdStatus, 0x00))

			err := d.WriteToAddr(context.Background(), 0x57, []byte{0x00, 0x00, 0x42})

			assert.ErrorIs(t, err, tt.target)
			require.Len(t, s.requests, 3)
			// failed transfer is cancelled
			assert.Equal(t, byte(statusCancelTransfer), s.requests[2][2])
		})
	}
}

func TestMCP2221_WriteToAddrStillRunning(t *testing.T) {
	responses := [][]byte{report(cmdI2CWrite, 0x00)}
	for range statusPollLimit {
		responses = append(responses, statusReport(0x41))
	}
	d, _ := newScripted(responses...)

	err := d.WriteToAddr(context.Background(), 0x50, []byte{0x00, 0x00})

	assert.ErrorIs(t, err, memory.ErrBusBusy)
}

func TestMCP2221_EEPROMWriteToMissingChip(t *testing.T) {
	ctx := context.Background()
	d, _ := newScripted(
		report(cmdStatus, 0x00),
		report(cmdI2CWrite, 0x00),
		statusReport(i2cStateAddrNACK),
		report(cmdStatus, 0x00),
	)
	dev := eeprom.New(d)
	require.NoError(t, dev.Begin(ctx, eeprom.WithAddress(0x57), eeprom.WithSettleDelay(0)))

	assert.ErrorIs(t, dev.Write(ctx, 0x0010, 0x42), memory.ErrNACK)
}

func TestMCP2221_WriteToAddrBusy(t *testing.T) {
	d, _ := newScripted(report(cmdI2CWrite, i2cEngineBusy))

	err := d.WriteToAddr(context.Background(), 0x50, []byte{0x00, 0x00})

	assert.ErrorIs(t, err, memory.ErrBusBusy)
}

func TestMCP2221_ReadFromAddr(t *testing.T) {
	d, s := newScripted(
		report(cmdI2CRead, 0x00),
		report(cmdI2CGetData, 0x00, 0x00, 0x01, 0x42),
	)
	buf := make([]byte, 1)

	err := d.ReadFromAddr(context.Background(), 0x50, buf)

	require.NoError(t, err)
	assert.Equal(t, byte(0x42), buf[0])
	require.Len(t, s.requests, 2)
	assert.Equal(t, []byte{cmdI2CRead, 0x01, 0x00, 0xA1}, s.requests[0][:4])
	assert.Equal(t, byte(cmdI2CGetData), s.requests[1][0])
}

func TestMCP2221_ReadFromAddrErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		nack bool
	}{
		{name: "read error", data: report(cmdI2CGetData, i2cReadError), nack: true},
		{name: "invalid size", data: report(cmdI2CGetData, 0x00, 0x00, invalidDataSize)},
		{name: "size mismatch", data: report(cmdI2CGetData, 0x00, 0x00, 0x02)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newScripted(report(cmdI2CRead, 0x00), tt.data)
			err := d.ReadFromAddr(context.Background(), 0x50, make([]byte, 1))
			assert.Error(t, err)
			if tt.nack {
				assert.ErrorIs(t, err, memory.ErrNACK)
			} else {
				assert.NotErrorIs(t, err, memory.ErrNACK)
			}
		})
	}
}

func TestMCP2221_PinConfigure(t *testing.T) {
	sram := report(cmdSRAMGet, 0x00)
	// GP0 input pulled high, GP1-GP3 output GPIO with GP2 high
	sram[22] = byte(GPIOModeIn)
	sram[24] = gpioOutputHigh
	levels := report(cmdGPIOGet, 0x00, 0x01, 0x01)
	d, s := newScripted(sram, levels, report(cmdSRAMSet, 0x00))
	pin, err := d.Pin(0)
	require.NoError(t, err)

	require.NoError(t, pin.Configure(context.Background()))

	require.Len(t, s.requests, 3)
	assert.Equal(t, byte(cmdGPIOGet), s.requests[1][0])
	assert.Equal(t, byte(cmdSRAMSet), s.requests[2][0])
	assert.Equal(t, byte(0x80), s.requests[2][7])
	assert.Equal(t, []byte{gpioOutputHigh, 0x00, gpioOutputHigh, 0x00}, s.requests[2][8:12])
	assert.Equal(t, "GP0", pin.String())
}

func TestMCP2221_PinConfigureKeepsOutput(t *testing.T) {
	sram := report(cmdSRAMGet, 0x00)
	sram[23] = gpioOutputHigh
	d, s := newScripted(sram)
	pin, err := d.Pin(1)
	require.NoError(t, err)

	require.NoError(t, pin.Configure(context.Background()))

	// already a GPIO output: no write, level untouched
	assert.Len(t, s.requests, 1)
}

func TestMCP2221_PinSet(t *testing.T) {
	d, s := newScripted(report(cmdGPIOSet, 0x00))
	pin, err := d.Pin(2)
	require.NoError(t, err)

	require.NoError(t, pin.Set(context.Background(), true))

	assert.Equal(t, []byte{0x01, 0x01, 0x01, 0x00}, s.requests[0][10:14])
}

func TestMCP2221_InvalidPin(t *testing.T) {
	d, _ := newScripted()
	_, err := d.Pin(GPPinCount)
	assert.Error(t, err)
	assert.Error(t, d.SetGPIO(context.Background(), -1, true))
}

func TestMCP2221_InitReleasesPendingTransfer(t *testing.T) {
	status := report(cmdStatus, 0x00)
	status[9] = 0x03 // requested 3 bytes, none sent
	d, s := newScripted(status, report(cmdStatus, 0x00))

	require.NoError(t, d.Init(context.Background()))

	require.Len(t, s.requests, 2)
	assert.Equal(t, byte(statusCancelTransfer), s.requests[1][2])
}

func TestMCP2221_EEPROM(t *testing.T) {
	ctx := context.Background()
	d, s := newScripted(
		report(cmdStatus, 0x00),
		report(cmdI2CWrite, 0x00),
	)
	dev := eeprom.New(d)
	require.NoError(t, dev.Begin(ctx, eeprom.WithSettleDelay(0)))

	require.NoError(t, dev.Write(ctx, 0x0010, 0x42))

	assert.Equal(t, []byte{cmdI2CWrite, 0x03, 0x00, 0xA0, 0x00, 0x10, 0x42}, s.requests[1][:7])
}

func TestBufferToStatus(t *testing.T) {
	buf := report()
	buf[8] = i2cStateAddrNACK
	buf[9], buf[10] = 0x10, 0x00
	buf[11], buf[12] = 0x08, 0x00
	buf[13] = 2
	buf[14] = 0x76
	buf[15] = 5
	buf[16], buf[17] = 0xA0, 0x00
	buf[25] = 1

	status := bufferToStatus(buf)

	assert.Equal(t, &MCP2221Status{
		I2CState:               i2cStateAddrNACK,
		I2CDataBufferCounter:   2,
		I2CSpeedDivider:        0x76,
		I2CTimeout:             5,
		CurrentAddress:         "a000",
		LastWriteRequestedSize: 0x10,
		LastWriteSentSize:      0x08,
		ReadPending:            1,
	}, status)
}
