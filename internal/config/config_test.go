package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/edgerelay/internal/directory"
	"github.com/danmuck/edgerelay/internal/testutil/testlog"
	"github.com/pelletier/go-toml/v2"
)

func TestDevicesTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "devices.toml")
	if err := WriteTemplate(path, "devices", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := LoadDeviceSeedFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("devices=%d", len(cfg.Devices))
	}
	recs := DeviceRecords(cfg.Devices)
	if recs[0].DeviceID != "scale-01" || recs[0].Pending() {
		t.Fatalf("unexpected first record: %+v", recs[0])
	}
	if recs[1].SecondsToRead != 10 || !recs[1].Pending() || recs[1].FirmwareVersion != "2.0" {
		t.Fatalf("unexpected second record: %+v", recs[1])
	}
}

func TestDeviceRecordsDefaults(t *testing.T) {
	recs := DeviceRecords([]DeviceEntry{{ID: " scale-9 "}})
	want := directory.DefaultRecord("scale-9")
	if recs[0] != want {
		t.Fatalf("got=%+v want=%+v", recs[0], want)
	}
}

func TestValidateDeviceSeedFile(t *testing.T) {
	bad := -1
	cases := []DeviceSeedFile{
		{Devices: []DeviceEntry{{ID: ""}}},
		{Devices: []DeviceEntry{{ID: "a", SecondsToRead: &bad}}},
		{Devices: []DeviceEntry{{ID: "a"}, {ID: "a"}}},
		{Devices: []DeviceEntry{{ID: "a", FirmwareSize: -4}}},
	}
	for i, tc := range cases {
		if err := ValidateDeviceSeedFile(tc); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestRelayTemplateParses(t *testing.T) {
	tpl, err := Template("relay")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	var out map[string]any
	if err := toml.Unmarshal([]byte(tpl), &out); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out["directory_backend"] != "memory" {
		t.Fatalf("directory_backend=%v", out["directory_backend"])
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := WriteTemplate(path, "relay", false); err == nil {
		t.Fatalf("expected exists error")
	}
	if err := WriteTemplate(path, "relay", true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}
