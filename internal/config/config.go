package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// DeviceSeedFile is the devices.toml preloaded into the directory at startup.
type DeviceSeedFile struct {
	Devices []DeviceEntry `toml:"devices"`
}

// DeviceEntry is one [[devices]] table. Omitted settings fall back to the
// directory defaults.
type DeviceEntry struct {
	ID              string   `toml:"id"`
	SecondsToRead   *int     `toml:"seconds_to_read"`
	Threshold       *float64 `toml:"threshold"`
	Enabled         *bool    `toml:"enabled"`
	FirmwareURL     string   `toml:"firmware_url"`
	FirmwareVersion string   `toml:"firmware_version"`
	FirmwareSHA256  string   `toml:"firmware_sha256"`
	FirmwareSize    int64    `toml:"firmware_size"`
}

func LoadDeviceSeedFile(path string) (DeviceSeedFile, error) {
	var cfg DeviceSeedFile
	if err := loadToml(path, &cfg); err != nil {
		return DeviceSeedFile{}, err
	}
	if err := ValidateDeviceSeedFile(cfg); err != nil {
		return DeviceSeedFile{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateDeviceSeedFile(cfg DeviceSeedFile) error {
	seen := make(map[string]int, len(cfg.Devices))
	for i, entry := range cfg.Devices {
		if err := ValidateDeviceEntry(entry); err != nil {
			return fmt.Errorf("devices[%d] invalid: %w", i, err)
		}
		id := strings.TrimSpace(entry.ID)
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("devices[%d] duplicates devices[%d] id %q", i, prev, id)
		}
		seen[id] = i
	}
	return nil
}

func ValidateDeviceEntry(entry DeviceEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if entry.SecondsToRead != nil && *entry.SecondsToRead <= 0 {
		return fmt.Errorf("seconds_to_read must be positive")
	}
	if entry.Threshold != nil && *entry.Threshold < 0 {
		return fmt.Errorf("threshold must not be negative")
	}
	if entry.FirmwareSize < 0 {
		return fmt.Errorf("firmware_size must not be negative")
	}
	return nil
}
