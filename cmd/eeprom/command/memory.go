package command

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sigurn/crc8"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/memory/cmd/eeprom/console"
	eeprom "github.com/mklimuk/memory/eeprom/24lc512"
)

var MemoryReadCmd = &cli.Command{
	Name:  "read",
	Usage: "read memory bytes and print a hex dump",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "address", Usage: "memory address to read", Required: true},
		&cli.IntFlag{Name: "length", Usage: "number of bytes to read", Value: 16},
	}, DeviceFlags...),
	Action: func(c *cli.Context) error {
		addr, err := parseAddress(c.String("address"))
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		length := c.Int("length")
		if length <= 0 || length > eeprom.Capacity-int(addr) {
			return console.Exit(1, "length out of range: %d", length)
		}
		dev, done, err := openDevice(c)
		if err != nil {
			return console.Exit(1, "device initialization error: %s", console.Red(err))
		}
		defer done()
		data, err := dev.ReadRange(c.Context, addr, length)
		if len(data) > 0 {
			console.Print(dump(addr, data))
		}
		if err != nil {
			return console.Exit(1, "read error after %d bytes: %s", len(data), console.Red(err))
		}
		return nil
	},
}

var MemoryWriteCmd = &cli.Command{
	Name:  "write",
	Usage: "write hex bytes to memory",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "address", Usage: "memory address to write", Required: true},
		&cli.StringFlag{Name: "data", Usage: "hex bytes to write (e.g. '01FF23')", Required: true},
		&cli.BoolFlag{Name: "verify", Usage: "read the bytes back after writing"},
	}, DeviceFlags...),
	Action: func(c *cli.Context) error {
		addr, err := parseAddress(c.String("address"))
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		data, err := hexStringToBytes(c.String("data"))
		if err != nil {
			return console.Exit(1, "invalid data hex string: %s", console.Red(err))
		}
		dev, done, err := openDevice(c)
		if err != nil {
			return console.Exit(1, "device initialization error: %s", console.Red(err))
		}
		defer done()
		err = dev.WriteRange(c.Context, addr, data)
		if err != nil {
			return console.Exit(1, "write error: %s", console.Red(err))
		}
		console.PInfof(console.PictoMemory, "wrote %d bytes at %s", len(data), console.Address("%#04x", addr))
		if !c.Bool("verify") {
			return nil
		}
		back, err := dev.ReadRange(c.Context, addr, len(data))
		if err != nil {
			return console.Exit(1, "verify read error: %s", console.Red(err))
		}
		if !bytes.Equal(back, data) {
			// a write-protected chip acknowledges writes without storing them
			console.Warnf("read back differs, is write protection on?")
			return console.Exit(2, "verify failed:\n%s", dump(addr, back))
		}
		console.Infof("verified %s", console.Green("OK"))
		return nil
	},
}

var MemoryFillCmd = &cli.Command{
	Name:  "fill",
	Usage: "fill a memory range with one value",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "address", Usage: "first memory address", Value: "0"},
		&cli.IntFlag{Name: "length", Usage: "number of bytes to fill", Required: true},
		&cli.StringFlag{Name: "value", Usage: "byte value", Value: "0xFF"},
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
	}, DeviceFlags...),
	Action: func(c *cli.Context) error {
		addr, err := parseAddress(c.String("address"))
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		value, err := parseByte(c.String("value"))
		if err != nil {
			return console.Exit(1, "invalid value: %s", console.Red(err))
		}
		length := c.Int("length")
		if length <= 0 || length > eeprom.Capacity-int(addr) {
			return console.Exit(1, "length out of range: %d", length)
		}
		if !c.Bool("yes") {
			ok, err := console.Confirm(fmt.Sprintf("overwrite %d bytes from %#04x with %#02x?", length, addr, value))
			if err != nil {
				return console.Exit(1, "prompt error: %s", console.Red(err))
			}
			if !ok {
				console.PInfof(console.PictoStop, "aborted")
				return nil
			}
		}
		dev, done, err := openDevice(c)
		if err != nil {
			return console.Exit(1, "device initialization error: %s", console.Red(err))
		}
		defer done()
		err = dev.WriteRange(c.Context, addr, bytes.Repeat([]byte{value}, length))
		if err != nil {
			return console.Exit(1, "fill error: %s", console.Red(err))
		}
		console.PInfof(console.PictoMemory, "filled %d bytes at %s", length, console.Address("%#04x", addr))
		return nil
	},
}

var MemoryProtectCmd = &cli.Command{
	Name:      "protect",
	Usage:     "drive the write-protect line",
	ArgsUsage: "on|off",
	Flags:     DeviceFlags,
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return console.Exit(1, "expected 1 argument, got %d", c.NArg())
		}
		var enabled bool
		switch strings.ToLower(c.Args().First()) {
		case "on":
			enabled = true
		case "off":
		default:
			return console.Exit(1, "expected on or off, got %q", c.Args().First())
		}
		dev, done, err := openDevice(c)
		if err != nil {
			return console.Exit(1, "device initialization error: %s", console.Red(err))
		}
		defer done()
		err = dev.WriteProtect(c.Context, enabled)
		if err != nil {
			return console.Exit(1, "write-protect error: %s", console.Red(err))
		}
		if enabled {
			console.PInfof(console.PictoLock, "%s write protection on", dev)
		} else {
			console.PInfof(console.PictoUnlock, "%s write protection off", dev)
		}
		return nil
	},
}

var checksumAlgorithms = map[string]crc8.Params{
	"crc8":   crc8.CRC8,
	"maxim":  crc8.CRC8_MAXIM,
	"itu":    crc8.CRC8_ITU,
	"dvb-s2": crc8.CRC8_DVB_S2,
}

var MemoryChecksumCmd = &cli.Command{
	Name:  "checksum",
	Usage: "compute a CRC-8 over a memory range",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "address", Usage: "first memory address", Value: "0"},
		&cli.IntFlag{Name: "length", Usage: "number of bytes", Required: true},
		&cli.StringFlag{Name: "algorithm", Usage: "crc8, maxim, itu or dvb-s2", Value: "crc8"},
	}, DeviceFlags...),
	Action: func(c *cli.Context) error {
		addr, err := parseAddress(c.String("address"))
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		params, ok := checksumAlgorithms[strings.ToLower(c.String("algorithm"))]
		if !ok {
			return console.Exit(1, "unknown algorithm %q", c.String("algorithm"))
		}
		length := c.Int("length")
		if length <= 0 || length > eeprom.Capacity-int(addr) {
			return console.Exit(1, "length out of range: %d", length)
		}
		dev, done, err := openDevice(c)
		if err != nil {
			return console.Exit(1, "device initialization error: %s", console.Red(err))
		}
		defer done()
		data, err := dev.ReadRange(c.Context, addr, length)
		if err != nil {
			return console.Exit(1, "read error after %d bytes: %s", len(data), console.Red(err))
		}
		console.Printf("%s %#02x\n", params.Name, checksum(params, data))
		return nil
	},
}

var MemoryCmd = &cli.Command{
	Name:    "memory",
	Aliases: []string{"mem"},
	Usage:   "memory-related operations",
	Subcommands: []*cli.Command{
		MemoryReadCmd,
		MemoryWriteCmd,
		MemoryFillCmd,
		MemoryProtectCmd,
		MemoryChecksumCmd,
	},
}

// dump formats data like hex.Dump with offsets starting at addr.
func dump(addr uint16, data []byte) string {
	var out strings.Builder
	for off := 0; off < len(data); off += 16 {
		end := min(off+16, len(data))
		line := strings.TrimRight(hex.Dump(data[off:end]), "\n")
		// replace the 8 digit offset written by hex.Dump
		fmt.Fprintf(&out, "%04x%s\n", int(addr)+off, line[8:])
	}
	return out.String()
}

func checksum(params crc8.Params, data []byte) byte {
	return crc8.Checksum(data, crc8.MakeTable(params))
}

// Helper to parse hex string to bytes
func hexStringToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ReplaceAll(s, " ", ""), "0x")
	if len(s) == 0 {
		return nil, fmt.Errorf("no data")
	}
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("hex string must have even length")
	}
	return hex.DecodeString(s)
}
