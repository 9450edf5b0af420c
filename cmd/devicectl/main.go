// devicectl simulates one scale against a running relay: it announces a
// firmware version, reports gram readings at the configured interval, adopts
// announced firmware by acknowledging it and zeroes its offset on tare.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/edgerelay/internal/deviceclient"
	"github.com/danmuck/edgerelay/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) || errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "devicectl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := simOptions{}
	flags := pflag.NewFlagSet("devicectl", pflag.ContinueOnError)
	flags.StringVar(&opts.URL, "url", "ws://127.0.0.1:8080/ws", "relay websocket url")
	flags.StringVar(&opts.DeviceID, "device", "scale-01", "device identifier")
	flags.StringVar(&opts.Version, "version", "1.0.0", "running firmware version")
	flags.Float64Var(&opts.BaseGrams, "grams", 2500, "simulated load in grams")
	flags.DurationVar(&opts.Interval, "interval", 0, "reading interval override (default: relay secondsToRead)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := newSimulator(opts)
	for {
		err := sim.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("device_id", opts.DeviceID).Msg("devicectl session ended, reconnecting")
	}
}

type simOptions struct {
	URL       string
	DeviceID  string
	Version   string
	BaseGrams float64
	Interval  time.Duration
}

// session dials with backoff and runs until the connection fails.
func (s *simulator) session(ctx context.Context) error {
	cfg := deviceclient.DefaultConfig()
	cfg.URL = s.opts.URL
	cfg.DeviceID = s.opts.DeviceID
	client, err := deviceclient.DialWithRetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	version := s.currentVersion()
	if err := client.Hello(version); err != nil {
		return err
	}
	log.Info().Str("device_id", s.opts.DeviceID).Str("version", version).Msg("devicectl announced")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	incoming := make(chan error, 1)
	go func() { incoming <- s.receive(sessionCtx, client) }()

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-incoming:
			return err
		case <-s.intervalChanged:
			ticker.Reset(s.interval())
		case <-ticker.C:
			if err := client.SendGrams(s.reading()); err != nil {
				return err
			}
		}
	}
}
