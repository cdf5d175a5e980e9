// Command devicesim connects simulated sensors to a relay. Each device
// registers as sensor-sim-NNN, reports temperature and humidity at random
// intervals, answers led_control with led_state and heartbeat with
// heartbeat_ack.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/wricardo/sensor-relay/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "devicesim: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "devicesim",
		Usage: "simulate sensors publishing to a relay",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "devices",
				Aliases: []string{"n"},
				Value:   3,
				Usage:   "number of simulated devices",
			},
			&cli.StringFlag{
				Name:    "server",
				Value:   "http://localhost:3000",
				Usage:   "relay base URL",
				Sources: cli.EnvVars("RELAY_URL"),
			},
			&cli.DurationFlag{
				Name:  "min-interval",
				Value: 3 * time.Second,
				Usage: "shortest delay between readings",
			},
			&cli.DurationFlag{
				Name:  "max-interval",
				Value: 7 * time.Second,
				Usage: "longest delay between readings",
			},
			&cli.DurationFlag{
				Name:  "stagger",
				Value: time.Second,
				Usage: "delay between device connections",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log every reading",
			},
		},
		Action: run,
	}
}

func deviceName(i int) string {
	return fmt.Sprintf("sensor-sim-%03d", i)
}

func run(ctx context.Context, cmd *cli.Command) error {
	level := "info"
	if cmd.Bool("debug") {
		level = "debug"
	}
	closer := logger.Init(logger.Options{Level: level})
	defer closer.Close()

	count := int(cmd.Int("devices"))
	if count <= 0 {
		return errors.New("--devices must be positive")
	}

	devices := make([]*Device, 0, count)
	for i := 1; i <= count; i++ {
		d, err := NewDevice(deviceName(i), cmd.String("server"),
			cmd.Duration("min-interval"), cmd.Duration("max-interval"),
			uint64(time.Now().UnixNano())+uint64(i), slog.Default())
		if err != nil {
			return err
		}
		devices = append(devices, d)
	}

	slog.Info("starting simulators", "devices", count, "server", cmd.String("server"))

	var wg sync.WaitGroup
	stagger := cmd.Duration("stagger")
	for i, d := range devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(i) * stagger):
			}
			if err := d.Run(ctx); err != nil {
				slog.Error("device stopped", "error", err)
			}
		}()
	}

	wg.Wait()
	slog.Info("all simulators stopped")
	return nil
}
