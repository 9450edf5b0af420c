package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgerelay/internal/directory"
	"github.com/danmuck/edgerelay/internal/httpapi"
	"github.com/danmuck/edgerelay/internal/relay"
)

// relayctl config.toml key mapping to relay runtime settings.
type fileConfig struct {
	Addr             string   `toml:"addr"`
	WSPath           string   `toml:"ws_path"`
	SendQueue        int      `toml:"send_queue"`
	ReadLimit        int64    `toml:"read_limit"`
	WriteTimeoutMS   int64    `toml:"write_timeout_ms"`
	PongWaitMS       int64    `toml:"pong_wait_ms"`
	PublicBaseURL    string   `toml:"public_base_url"`
	FirmwareDir      string   `toml:"firmware_dir"`
	CORSOrigins      []string `toml:"cors_origins"`
	DirectoryBackend string   `toml:"directory_backend"`
	NATSURL          string   `toml:"nats_url"`
	NATSBucket       string   `toml:"nats_bucket"`
	PostgresDSN      string   `toml:"postgres_dsn"`
	DeviceSeedFile   string   `toml:"device_seed_file"`
	TLSEnabled       bool     `toml:"tls_enabled"`
	TLSCertFile      string   `toml:"tls_cert_file"`
	TLSKeyFile       string   `toml:"tls_key_file"`
}

// runtimeConfig is everything relayctl wires at startup.
type runtimeConfig struct {
	Relay          relay.ServiceConfig
	API            httpapi.Config
	Directory      directory.OpenConfig
	DeviceSeedFile string
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		Relay:     relay.DefaultServiceConfig(),
		API:       httpapi.DefaultConfig(),
		Directory: directory.OpenConfig{Backend: directory.BackendMemory, NATSBucket: directory.DefaultNATSBucket},
	}
}

// relayctl loader for TOML config with default overlay. Relative paths
// resolve against the config file's directory.
func loadRuntimeConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load relay config: %w", err)
	}
	base := filepath.Dir(path)

	if meta.IsDefined("addr") {
		cfg.Relay.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("ws_path") {
		cfg.Relay.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("send_queue") {
		cfg.Relay.SendQueue = raw.SendQueue
	}
	if meta.IsDefined("read_limit") {
		cfg.Relay.ReadLimit = raw.ReadLimit
	}
	if meta.IsDefined("write_timeout_ms") {
		cfg.Relay.WriteTimeout = time.Duration(raw.WriteTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("pong_wait_ms") {
		cfg.Relay.PongWait = time.Duration(raw.PongWaitMS) * time.Millisecond
	}
	if meta.IsDefined("tls_enabled") {
		cfg.Relay.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Relay.TLS.CertFile = resolvePath(base, raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Relay.TLS.KeyFile = resolvePath(base, raw.TLSKeyFile)
	}
	if meta.IsDefined("public_base_url") {
		cfg.API.PublicBaseURL = strings.TrimSpace(raw.PublicBaseURL)
	}
	if meta.IsDefined("firmware_dir") {
		cfg.API.FirmwareDir = resolvePath(base, raw.FirmwareDir)
	}
	if meta.IsDefined("cors_origins") {
		cfg.API.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("directory_backend") {
		cfg.Directory.Backend = strings.ToLower(strings.TrimSpace(raw.DirectoryBackend))
	}
	if meta.IsDefined("nats_url") {
		cfg.Directory.NATSURL = strings.TrimSpace(raw.NATSURL)
	}
	if meta.IsDefined("nats_bucket") {
		cfg.Directory.NATSBucket = strings.TrimSpace(raw.NATSBucket)
	}
	if meta.IsDefined("postgres_dsn") {
		cfg.Directory.PostgresDSN = strings.TrimSpace(raw.PostgresDSN)
	}
	if meta.IsDefined("device_seed_file") {
		cfg.DeviceSeedFile = resolvePath(base, raw.DeviceSeedFile)
	}

	switch cfg.Directory.Backend {
	case directory.BackendMemory, directory.BackendNATS:
	case directory.BackendPostgres:
		if cfg.Directory.PostgresDSN == "" {
			return runtimeConfig{}, fmt.Errorf("load relay config: postgres_dsn is required when directory_backend=postgres")
		}
	default:
		return runtimeConfig{}, fmt.Errorf(
			"load relay config: unsupported directory_backend %q (expected memory, nats or postgres)",
			cfg.Directory.Backend,
		)
	}

	cfg.Relay = cfg.Relay.WithDefaults()
	if err := cfg.Relay.Validate(); err != nil {
		return runtimeConfig{}, fmt.Errorf("load relay config: %w", err)
	}
	return cfg, nil
}

func resolvePath(base, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
