package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	eeprom "github.com/mklimuk/memory/eeprom/24lc512"
)

// SmokeCmd exercises the driver against the simulated chip: random round trips plus a write-protect check.
func SmokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Run a write/read smoke test against the simulated memory chip",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := cmd.Flags().GetInt("count")
			if err != nil {
				return fmt.Errorf("could not get count flag: %w", err)
			}
			seed, err := cmd.Flags().GetInt64("seed")
			if err != nil {
				return fmt.Errorf("could not get seed flag: %w", err)
			}
			return simulatorSmoke(cmd.Context(), count, seed)
		},
	}
	cmd.Flags().Int("count", 100, "number of random round trips")
	cmd.Flags().Int64("seed", time.Now().UnixNano(), "random seed")
	return cmd
}

func simulatorSmoke(ctx context.Context, count int, seed int64) error {
	chip := eeprom.NewMockDevice()
	dev := eeprom.New(chip)
	err := dev.Begin(ctx, eeprom.WithWriteProtectPin(chip.Pin()))
	if err != nil {
		return fmt.Errorf("could not begin: %w", err)
	}
	defer func() {
		_ = dev.End(ctx)
	}()
	start := time.Now()
	err = roundTrips(ctx, dev, rand.New(rand.NewSource(seed)), count, 0, eeprom.Capacity)
	if err != nil {
		return err
	}
	slog.Info("round trips passed", "count", count, "seed", seed, "elapsed", time.Since(start))
	err = checkProtection(ctx, dev, 0)
	if err != nil {
		return err
	}
	slog.Info("write protection holds", "device", dev.String())
	return nil
}

// roundTrips writes count random bytes at random addresses in [base, base+span) and reads each back.
func roundTrips(ctx context.Context, dev *eeprom.EEPROM, rnd *rand.Rand, count int, base uint16, span int) error {
	for i := 0; i < count; i++ {
		addr := base + uint16(rnd.Intn(span))
		val := byte(rnd.Intn(256))
		if err := dev.Write(ctx, addr, val); err != nil {
			return fmt.Errorf("write %d at %#04x: %w", i, addr, err)
		}
		got, err := dev.Read(ctx, addr)
		if err != nil {
			return fmt.Errorf("read %d at %#04x: %w", i, addr, err)
		}
		if got != val {
			return fmt.Errorf("mismatch at %#04x: wrote %#02x, read %#02x", addr, val, got)
		}
	}
	return nil
}

// checkProtection asserts a write at addr is swallowed while WP is high and leaves WP low.
func checkProtection(ctx context.Context, dev *eeprom.EEPROM, addr uint16) error {
	if err := dev.WriteProtect(ctx, true); err != nil {
		return fmt.Errorf("could not enable write protection: %w", err)
	}
	defer func() {
		_ = dev.WriteProtect(ctx, false)
	}()
	before, err := dev.Read(ctx, addr)
	if err != nil {
		return err
	}
	if err := dev.Write(ctx, addr, ^before); err != nil {
		return err
	}
	after, err := dev.Read(ctx, addr)
	if err != nil {
		return err
	}
	if after != before {
		return fmt.Errorf("protected write changed %#02x to %#02x at %#04x", before, after, addr)
	}
	return nil
}
