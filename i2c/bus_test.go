package i2c

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"

	eeprom "github.com/mklimuk/memory/eeprom/24lc512"
)

func TestGenericBus_EEPROMTransfers(t *testing.T) {
	ctx := context.Background()
	playback := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: 0x50, W: []byte{0x12, 0x34, 0xAB}},
		{Addr: 0x50, W: []byte{0x12, 0x34}},
		{Addr: 0x50, R: []byte{0xAB}},
	}}
	bus := NewBus(playback)
	dev := eeprom.New(bus)
	require.NoError(t, dev.Begin(ctx, eeprom.WithSettleDelay(0)))

	require.NoError(t, dev.Write(ctx, 0x1234, 0xAB))
	b, err := dev.Read(ctx, 0x1234)

	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), b)
	require.NoError(t, dev.End(ctx))
	assert.NoError(t, playback.Close())
}

func TestGenericBus_TxError(t *testing.T) {
	ctx := context.Background()
	playback := &i2ctest.Playback{DontPanic: true}
	bus := NewBus(playback)
	require.NoError(t, bus.Init(ctx))

	err := bus.WriteToAddr(ctx, 0x50, []byte{0x00, 0x00})

	assert.Error(t, err)
}

func TestGenericBus_NotInitialized(t *testing.T) {
	bus := NewGenericBus("/dev/i2c-42")

	assert.Error(t, bus.WriteToAddr(context.Background(), 0x50, []byte{0x00}))
	assert.Error(t, bus.ReadFromAddr(context.Background(), 0x50, make([]byte, 1)))
	assert.NoError(t, bus.SetSpeed(400*physic.KiloHertz))
	assert.NoError(t, bus.Halt(context.Background()))
	assert.Equal(t, "/dev/i2c-42", bus.String())
}
