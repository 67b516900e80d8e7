package cmd

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"

	"github.com/mklimuk/memory/cmd/eeprom/command"
	eeprom "github.com/mklimuk/memory/eeprom/24lc512"
	"github.com/mklimuk/memory/pkg/config"
)

// TestCmd runs the unit tests followed by a smoke run on the simulated chip.
func TestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run unit tests and the simulator smoke run",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := test.Test()
			if err != nil {
				return fmt.Errorf("failed to run tests: %w", err)
			}
			skip, err := cmd.Flags().GetBool("no-smoke")
			if err != nil {
				return fmt.Errorf("could not get no-smoke flag: %w", err)
			}
			if skip {
				return nil
			}
			err = simulatorSmoke(cmd.Context(), 64, 512)
			if err != nil {
				return fmt.Errorf("simulator smoke run failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Bool("no-smoke", false, "skip the simulator smoke run")
	return cmd
}

func LintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Run linting",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := test.Lint()
			if err != nil {
				return fmt.Errorf("failed to run linting: %w", err)
			}
			return nil
		},
	}
	return cmd
}

// IntegrationTestCmd runs the integration suite and, given a hardware profile, round trips on a
// real chip. The tested window is saved first and restored afterwards.
func IntegrationTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integration-test",
		Short: "Run integration testing, optionally against the chip described by --config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := test.Integ()
			if err != nil {
				return fmt.Errorf("failed to run integration testing: %w", err)
			}
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("could not get config flag: %w", err)
			}
			if path == "" {
				slog.Info("no hardware profile given, skipping chip round trips")
				return nil
			}
			profile, err := config.Load(path)
			if err != nil {
				return err
			}
			base, err := cmd.Flags().GetUint16("base")
			if err != nil {
				return fmt.Errorf("could not get base flag: %w", err)
			}
			span, err := cmd.Flags().GetInt("span")
			if err != nil {
				return fmt.Errorf("could not get span flag: %w", err)
			}
			if span <= 0 || span > eeprom.Capacity-int(base) {
				return fmt.Errorf("window %#04x+%d out of range", base, span)
			}
			return hardwareRoundTrips(cmd, profile, base, span)
		},
	}
	cmd.Flags().String("config", "", "hardware profile (yaml) of the chip under test")
	cmd.Flags().Uint16("base", 0xFF00, "first address of the tested window")
	cmd.Flags().Int("span", 256, "size of the tested window")
	return cmd
}

func hardwareRoundTrips(cmd *cobra.Command, profile config.Profile, base uint16, span int) error {
	ctx := cmd.Context()
	dev, done, err := command.Open(ctx, profile)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", profile.Adapter, err)
	}
	defer done()
	saved, err := dev.ReadRange(ctx, base, span)
	if err != nil {
		return fmt.Errorf("could not save window: %w", err)
	}
	slog.Info("window saved", "device", dev.String(), "base", fmt.Sprintf("%#04x", base), "span", span)
	start := time.Now()
	testErr := roundTrips(ctx, dev, rand.New(rand.NewSource(time.Now().UnixNano())), span, base, span)
	if testErr == nil && profile.WriteProtect.Pin != "" {
		testErr = checkProtection(ctx, dev, base)
	}
	err = dev.WriteRange(ctx, base, saved)
	if err != nil {
		return fmt.Errorf("could not restore window (round trips: %v): %w", testErr, err)
	}
	if testErr != nil {
		return testErr
	}
	slog.Info("chip round trips passed", "count", span, "elapsed", time.Since(start))
	return nil
}
