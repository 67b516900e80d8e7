package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"

	"github.com/mklimuk/memory"
	"github.com/mklimuk/memory/adapter"
	eeprom "github.com/mklimuk/memory/eeprom/24lc512"
	"github.com/mklimuk/memory/gpio"
	"github.com/mklimuk/memory/i2c"
	"github.com/mklimuk/memory/pkg/config"
)

// DeviceFlags select the adapter and chip; they override the profile given with --config.
var DeviceFlags = []cli.Flag{
	&cli.StringFlag{Name: "adapter", Aliases: []string{"a"}, Usage: "bus adapter: mcp2221, generic, nanopi or sim"},
	&cli.StringFlag{Name: "device", Aliases: []string{"d"}, Usage: "bus device (/dev/i2c-1 for generic, bus number for nanopi, device index for mcp2221)"},
	&cli.StringFlag{Name: "addr", Usage: "memory chip I2C address (e.g. 0x50)"},
	&cli.StringFlag{Name: "wp", Usage: "write-protect pin (GP0 on mcp2221, GPIO17 on generic, header pin on nanopi, A0-B7 with --wp-expander)"},
	&cli.StringFlag{Name: "wp-expander", Usage: "MCP23017 address driving the write-protect pin"},
}

type profileKey struct{}

type simulatorKey struct{}

// WithProfile stores the profile loaded by the app so commands can use it.
func WithProfile(ctx context.Context, p config.Profile) context.Context {
	return context.WithValue(ctx, profileKey{}, p)
}

// WithSimulator makes the sim adapter use chip instead of a blank chip per command.
func WithSimulator(ctx context.Context, chip *eeprom.MockDevice) context.Context {
	return context.WithValue(ctx, simulatorKey{}, chip)
}

func profileFrom(c *cli.Context) (config.Profile, error) {
	profile, ok := c.Context.Value(profileKey{}).(config.Profile)
	if !ok {
		profile = config.Default()
	}
	if c.IsSet("adapter") {
		profile.Adapter = c.String("adapter")
	}
	if c.IsSet("device") {
		profile.Device = c.String("device")
	}
	if c.IsSet("addr") {
		addr, err := parseByte(c.String("addr"))
		if err != nil {
			return profile, fmt.Errorf("invalid address: %w", err)
		}
		profile.Address = addr
	}
	if c.IsSet("wp") {
		profile.WriteProtect.Pin = c.String("wp")
	}
	if c.IsSet("wp-expander") {
		addr, err := parseByte(c.String("wp-expander"))
		if err != nil {
			return profile, fmt.Errorf("invalid expander address: %w", err)
		}
		profile.WriteProtect.Expander = addr
	}
	return profile, profile.Validate()
}

func openDevice(c *cli.Context) (*eeprom.EEPROM, func(), error) {
	profile, err := profileFrom(c)
	if err != nil {
		return nil, nil, err
	}
	return Open(c.Context, profile)
}

// Open builds the bus and write-protect pin described by the profile and begins the memory device.
// The returned function ends the session.
func Open(ctx context.Context, profile config.Profile) (*eeprom.EEPROM, func(), error) {
	slog.Debug("opening memory device", "adapter", profile.Adapter, "device", profile.Device, "address", profile.Address)
	bus, pin, err := connect(ctx, profile)
	if err != nil {
		return nil, nil, err
	}
	opts := []eeprom.Option{
		eeprom.WithAddress(profile.Address),
		eeprom.WithSettleDelay(profile.SettleDelay),
	}
	if pin != nil {
		opts = append(opts, eeprom.WithWriteProtectPin(pin))
	}
	dev := eeprom.New(bus)
	err = dev.Begin(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	return dev, func() {
		if err := dev.End(ctx); err != nil {
			slog.Warn("could not end memory session", "error", err)
		}
	}, nil
}

func connect(ctx context.Context, profile config.Profile) (memory.Bus, memory.OutputPin, error) {
	var bus memory.Bus
	var pin memory.OutputPin
	wp := profile.WriteProtect
	switch profile.Adapter {
	case config.AdapterMCP2221:
		var opts []adapter.MCP2221Option
		if idx, err := strconv.Atoi(profile.Device); err == nil {
			opts = append(opts, adapter.WithDeviceIndex(idx))
		}
		a := adapter.NewMCP2221(opts...)
		bus = a
		if wp.Pin != "" && wp.Expander == 0 {
			n, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(wp.Pin), "GP"))
			if err != nil {
				return nil, nil, fmt.Errorf("invalid mcp2221 pin %q", wp.Pin)
			}
			gp, err := a.Pin(n)
			if err != nil {
				return nil, nil, err
			}
			pin = gp
		}
	case config.AdapterGeneric:
		bus = i2c.NewGenericBus(profile.Device)
		if wp.Pin != "" && wp.Expander == 0 {
			p, err := gpio.PeriphPinByName(wp.Pin)
			if err != nil {
				return nil, nil, err
			}
			pin = p
		}
	case config.AdapterNanoPi:
		board := nanopi.NewNeoAdaptor()
		var opts []i2c.GobotBusOption
		if nr, err := strconv.Atoi(profile.Device); err == nil {
			opts = append(opts, i2c.WithBusNumber(nr))
		}
		bus = i2c.NewGobotBus(board, opts...)
		if wp.Pin != "" && wp.Expander == 0 {
			pin = gpio.NewGobotPin(board, wp.Pin)
		}
	case config.AdapterSim:
		chip, ok := ctx.Value(simulatorKey{}).(*eeprom.MockDevice)
		if !ok {
			chip = eeprom.NewMockDevice(eeprom.WithMockAddress(eeprom.DefaultAddress), eeprom.WithWriteCycle(profile.SettleDelay))
		}
		bus = chip
		if wp.Pin != "" {
			pin = chip.Pin()
		}
		return bus, pin, nil
	default:
		return nil, nil, fmt.Errorf("unknown adapter %q", profile.Adapter)
	}
	if wp.Expander != 0 {
		p, err := expanderPin(bus, wp)
		if err != nil {
			return nil, nil, err
		}
		pin = p
	}
	return bus, pin, nil
}

// expanderPin parses "A0".."B7" on an MCP23017 sharing the memory bus.
func expanderPin(bus memory.I2CBus, wp config.WriteProtect) (memory.OutputPin, error) {
	name := strings.ToUpper(wp.Pin)
	if len(name) != 2 || (name[0] != 'A' && name[0] != 'B') {
		return nil, fmt.Errorf("invalid expander pin %q (expected A0-B7)", wp.Pin)
	}
	port := gpio.PortA
	if name[0] == 'B' {
		port = gpio.PortB
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil {
		return nil, fmt.Errorf("invalid expander pin %q: %w", wp.Pin, err)
	}
	return gpio.NewMCP23017(bus, wp.Expander, gpio.WithRetryLimit(3)).Pin(port, n)
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}

func parseAddress(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid memory address %q: %w", s, err)
	}
	return uint16(v), nil
}
