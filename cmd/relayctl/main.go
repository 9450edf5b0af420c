package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/edgerelay/internal/config"
	"github.com/danmuck/edgerelay/internal/directory"
	"github.com/danmuck/edgerelay/internal/httpapi"
	"github.com/danmuck/edgerelay/internal/logging"
	"github.com/danmuck/edgerelay/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		addr       string
		backend    string
	)
	flags := pflag.NewFlagSet("relayctl", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to relay config.toml (defaults are used when empty)")
	flags.StringVar(&addr, "addr", "", "listen address override")
	flags.StringVar(&backend, "directory", "", "directory backend override: memory|nats|postgres")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	logging.ConfigureRuntime()
	gin.SetMode(gin.ReleaseMode)

	cfg := defaultRuntimeConfig()
	if configPath != "" {
		loaded, err := loadRuntimeConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if addr != "" {
		cfg.Relay.ListenAddr = addr
	}
	if backend != "" {
		cfg.Directory.Backend = backend
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	store, err := directory.Open(openCtx, cfg.Directory)
	cancel()
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Str("backend", cfg.Directory.Backend).Msg("relayctl directory opened")

	if cfg.DeviceSeedFile != "" {
		seed, err := config.LoadDeviceSeedFile(cfg.DeviceSeedFile)
		if err != nil {
			return err
		}
		created, err := directory.Seed(ctx, store, config.DeviceRecords(seed.Devices))
		if err != nil {
			return fmt.Errorf("seed directory: %w", err)
		}
		log.Info().Int("created", created).Int("entries", len(seed.Devices)).Str("file", cfg.DeviceSeedFile).Msg("relayctl directory seeded")
	}

	svc := relay.NewService(cfg.Relay, store)
	router := httpapi.NewRouter(cfg.API, svc)
	return svc.Run(ctx, router)
}
