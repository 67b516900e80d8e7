package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/memory/adapter"
	"github.com/mklimuk/memory/cmd/eeprom/console"
)

var bridgeFlags = []cli.Flag{
	&cli.IntFlag{Name: "index", Aliases: []string{"i"}, Usage: "HID device index (see usb detect)"},
	&cli.DurationFlag{Name: "response-wait", Usage: "time to wait for the bridge answer", Value: 50 * time.Millisecond},
}

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "MCP2221 bridge maintenance",
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
		&mcp2221GPIOCmd,
	},
}

func bridge(c *cli.Context) *adapter.MCP2221 {
	return adapter.NewMCP2221(
		adapter.WithDeviceIndex(c.Int("index")),
		adapter.WithResponseWait(c.Duration("response-wait")),
	)
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	err := enc.Encode(v)
	if err != nil {
		return console.Exit(1, "encoding error: %s", console.Red(err))
	}
	return nil
}

var mcp2221StatusCmd = cli.Command{
	Name:  "status",
	Usage: "print the bridge I2C engine status",
	Flags: bridgeFlags,
	Action: func(c *cli.Context) error {
		status, err := bridge(c).Status(c.Context)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printYAML(status)
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel a stuck I2C transfer and release the bus",
	Flags: bridgeFlags,
	Action: func(c *cli.Context) error {
		status, err := bridge(c).ReleaseBus(c.Context)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printYAML(status)
	},
}

var mcp2221GPIOCmd = cli.Command{
	Name:  "gpio",
	Usage: "show GP line settings and levels",
	Flags: bridgeFlags,
	Action: func(c *cli.Context) error {
		a := bridge(c)
		params, err := a.GetGPIOParameters(c.Context)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		levels, err := a.ReadGPIO(c.Context)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		for i := range adapter.GPPinCount {
			level := fmt.Sprintf("%d", levels[i])
			if params.Designation[i] != adapter.GPIOOperation {
				level = "n/a"
			}
			console.PInfof(console.PictoPin, "GP%d %s %s", i, console.White(params.Mode[i]), console.Yellow(level))
		}
		return nil
	},
}
