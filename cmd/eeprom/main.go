package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/memory/cmd/eeprom/command"
	"github.com/mklimuk/memory/cmd/eeprom/console"
	"github.com/mklimuk/memory/memctx"
	"github.com/mklimuk/memory/pkg/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	app := cli.NewApp()
	app.Name = "eeprom"
	app.EnableBashCompletion = true
	app.Version = fmt.Sprintf("%s-%s-%s", config.Version, config.Date, config.Commit)
	app.Usage = "I2C serial EEPROM cli"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging and transfer dumps",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "device profile (yaml)",
			EnvVars: []string{"EEPROM_CONFIG"},
		},
	}
	app.Before = func(c *cli.Context) error {
		charm := chlog.NewWithOptions(os.Stdout, chlog.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
		})
		charm.SetColorProfile(termenv.TrueColor)
		charm.SetLevel(chlog.InfoLevel)
		if c.Bool("verbose") {
			charm.SetLevel(chlog.DebugLevel)
		}
		slog.SetDefault(slog.New(charm))

		profile := config.Default()
		if path := c.String("config"); path != "" {
			var err error
			profile, err = config.Load(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("could not load profile: %v", err), 1)
			}
			slog.Debug("profile loaded", "path", path, "profile", profile.String())
		}
		c.Context = command.WithProfile(memctx.SetVerbose(c.Context, c.Bool("verbose")), profile)
		return nil
	}
	// print and return the code instead of exiting from inside the app
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err != nil {
			_, _ = fmt.Fprint(os.Stderr, console.Format(err))
		}
	}
	app.Commands = cli.Commands{
		command.MemoryCmd,
		&mcp2221Cmd,
		&usbCmd,
	}
	err := app.Run(os.Args)
	if err != nil {
		var exerr cli.ExitCoder
		if errors.As(err, &exerr) {
			return exerr.ExitCode()
		}
		return 1
	}
	return 0
}
