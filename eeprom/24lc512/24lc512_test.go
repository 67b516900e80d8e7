package eeprom

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/memory"
)

// MockBus is a mock implementation of memory.Bus using testify/mock
type MockBus struct {
	mock.Mock
}

func (m *MockBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	return args.Error(0)
}

func (m *MockBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	if data, ok := args.Get(0).([]byte); ok && len(data) <= len(buffer) {
		copy(buffer, data)
	}
	return args.Error(1)
}

func (m *MockBus) Release(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBus) Init(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBus) Halt(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockPinOut struct {
	mock.Mock
}

func (m *MockPinOut) Configure(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPinOut) Set(ctx context.Context, high bool) error {
	return m.Called(ctx, high).Error(0)
}

func begun(t *testing.T, opts ...Option) (*EEPROM, *MockBus) {
	t.Helper()
	bus := new(MockBus)
	bus.On("Init", mock.Anything).Return(nil).Once()
	e := New(bus)
	require.NoError(t, e.Begin(context.Background(), append([]Option{WithSettleDelay(0)}, opts...)...))
	return e, bus
}

func TestEEPROM_WriteByteOrder(t *testing.T) {
	e, bus := begun(t)
	bus.On("WriteToAddr", mock.Anything, byte(DefaultAddress), []byte{0x12, 0x34, 0xAB}).Return(nil).Once()

	err := e.Write(context.Background(), 0x1234, 0xAB)

	assert.NoError(t, err)
	bus.AssertExpectations(t)
}

func TestEEPROM_WriteCustomAddress(t *testing.T) {
	e, bus := begun(t, WithAddress(0x53))
	bus.On("WriteToAddr", mock.Anything, byte(0x53), []byte{0xFF, 0xFF, 0x00}).Return(nil).Once()

	assert.NoError(t, e.Write(context.Background(), 0xFFFF, 0x00))
	bus.AssertExpectations(t)
}

func TestEEPROM_WriteFailure(t *testing.T) {
	e, bus := begun(t)
	bus.On("WriteToAddr", mock.Anything, byte(DefaultAddress), mock.Anything).Return(memory.ErrNACK).Once()

	err := e.Write(context.Background(), 0x0001, 0x01)

	assert.ErrorIs(t, err, memory.ErrNACK)
	// no retry
	bus.AssertNumberOfCalls(t, "WriteToAddr", 1)
}

func TestEEPROM_Read(t *testing.T) {
	e, bus := begun(t)
	bus.On("WriteToAddr", mock.Anything, byte(DefaultAddress), []byte{0x01, 0x02}).Return(nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(DefaultAddress), mock.Anything).Return([]byte{0x00}, nil).Once()

	b, err := e.Read(context.Background(), 0x0102)

	assert.NoError(t, err)
	assert.Equal(t, byte(0x00), b)
	bus.AssertExpectations(t)
}

func TestEEPROM_ReadErrors(t *testing.T) {
	tests := []struct {
		name      string
		addrErr   error
		readErr   error
		target    error
		readCalls int
	}{
		{name: "address phase", addrErr: memory.ErrNACK, target: ErrNoResponse, readCalls: 0},
		{name: "data phase", readErr: memory.ErrNACK, target: ErrNoResponse, readCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, bus := begun(t)
			bus.On("WriteToAddr", mock.Anything, byte(DefaultAddress), mock.Anything).Return(tt.addrErr).Once()
			bus.On("ReadFromAddr", mock.Anything, byte(DefaultAddress), mock.Anything).Return(nil, tt.readErr).Maybe()

			b, err := e.Read(context.Background(), 0x0010)

			assert.ErrorIs(t, err, tt.target)
			assert.ErrorIs(t, err, memory.ErrNACK)
			assert.Equal(t, NoData, b)
			bus.AssertNumberOfCalls(t, "ReadFromAddr", tt.readCalls)
		})
	}
}

func TestEEPROM_NotInitialized(t *testing.T) {
	ctx := context.Background()
	e := New(nil)

	assert.ErrorIs(t, e.Begin(ctx), ErrNoBus)
	assert.ErrorIs(t, e.Write(ctx, 0, 0), ErrNotInitialized)
	b, err := e.Read(ctx, 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, NoData, b)
	assert.ErrorIs(t, e.WriteProtect(ctx, true), ErrNotInitialized)
	assert.ErrorIs(t, e.End(ctx), ErrNotInitialized)
}

func TestEEPROM_EndFailsFast(t *testing.T) {
	ctx := context.Background()
	pin := new(MockPinOut)
	pin.On("Configure", mock.Anything).Return(nil).Once()
	e, bus := begun(t, WithWriteProtectPin(pin))
	bus.On("Halt", mock.Anything).Return(nil).Once()

	require.NoError(t, e.End(ctx))

	assert.ErrorIs(t, e.Write(ctx, 0, 0), ErrNotInitialized)
	_, err := e.Read(ctx, 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, e.WriteProtect(ctx, false), ErrNotInitialized)
	assert.ErrorIs(t, e.End(ctx), ErrNotInitialized)
	bus.AssertExpectations(t)
	bus.AssertNumberOfCalls(t, "Halt", 1)
	bus.AssertNotCalled(t, "WriteToAddr", mock.Anything, mock.Anything, mock.Anything)
	pin.AssertNotCalled(t, "Set", mock.Anything, mock.Anything)
}

func TestEEPROM_BeginBusFailure(t *testing.T) {
	ctx := context.Background()
	bus := new(MockBus)
	bus.On("Init", mock.Anything).Return(errors.New("no such device")).Once()
	e := New(bus)

	err := e.Begin(ctx)

	assert.Error(t, err)
	assert.ErrorIs(t, e.Write(ctx, 0, 0), ErrNotInitialized)
}

func TestEEPROM_BeginPinFailure(t *testing.T) {
	pin := new(MockPinOut)
	pin.On("Configure", mock.Anything).Return(errors.New("pin busy")).Once()
	bus := new(MockBus)
	e := New(bus)

	err := e.Begin(context.Background(), WithWriteProtectPin(pin))

	assert.Error(t, err)
	bus.AssertNotCalled(t, "Init", mock.Anything)
}

func TestEEPROM_WriteProtect(t *testing.T) {
	ctx := context.Background()
	pin := new(MockPinOut)
	pin.On("Configure", mock.Anything).Return(nil).Once()
	pin.On("Set", mock.Anything, true).Return(nil).Once()
	pin.On("Set", mock.Anything, false).Return(nil).Once()
	e, _ := begun(t, WithWriteProtectPin(pin))

	assert.NoError(t, e.WriteProtect(ctx, true))
	assert.NoError(t, e.WriteProtect(ctx, false))
	pin.AssertExpectations(t)
}

func TestEEPROM_WriteProtectWithoutPin(t *testing.T) {
	e, bus := begun(t)

	assert.NoError(t, e.WriteProtect(context.Background(), true))
	bus.AssertNotCalled(t, "WriteToAddr", mock.Anything, mock.Anything, mock.Anything)
}

func TestEEPROM_SettleDelay(t *testing.T) {
	const delay = 30 * time.Millisecond
	bus := new(MockBus)
	bus.On("Init", mock.Anything).Return(nil)
	bus.On("WriteToAddr", mock.Anything, byte(DefaultAddress), mock.Anything).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(DefaultAddress), mock.Anything).Return([]byte{0x42}, nil)
	e := New(bus)
	ctx := context.Background()
	require.NoError(t, e.Begin(ctx, WithSettleDelay(delay)))

	start := time.Now()
	require.NoError(t, e.Write(ctx, 0x0000, 0x42))
	assert.Less(t, time.Since(start), delay/2, "write should not block on its own settle delay")

	b, err := e.Read(ctx, 0x0000)
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.Equal(t, byte(0x42), b)
	assert.GreaterOrEqual(t, elapsed, delay-time.Millisecond, "read should wait for the write cycle")
}

func TestEEPROM_SettleDelayCancelled(t *testing.T) {
	bus := new(MockBus)
	bus.On("Init", mock.Anything).Return(nil)
	bus.On("WriteToAddr", mock.Anything, byte(DefaultAddress), mock.Anything).Return(nil).Once()
	e := New(bus)
	require.NoError(t, e.Begin(context.Background(), WithSettleDelay(time.Second)))
	require.NoError(t, e.Write(context.Background(), 0x0000, 0x01))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Read(ctx, 0x0000)

	assert.ErrorIs(t, err, context.Canceled)
	bus.AssertExpectations(t)
}

func TestEEPROM_RangeBounds(t *testing.T) {
	e, _ := begun(t)
	ctx := context.Background()

	_, err := e.ReadRange(ctx, 0xFFFF, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = e.ReadRange(ctx, 0, -1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.ErrorIs(t, e.WriteRange(ctx, 0xFFF0, make([]byte, 17)), ErrOutOfRange)
	_, err = e.ReadRange(ctx, 1, math.MaxInt)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestEEPROM_String(t *testing.T) {
	e := New(nil)
	assert.Equal(t, "24LC512{addr: 0x50, wp: none}", e.String())
}
