package main

import (
	"log"
	"os"

	"github.com/danmuck/edgerelay/internal/config"
	"github.com/spf13/pflag"
)

func main() {
	flags := pflag.NewFlagSet("configgen", pflag.ExitOnError)
	kind := flags.String("kind", "relay", "config kind: relay|devices")
	output := flags.String("output", "", "output path for config template")
	validate := flags.Bool("validate", false, "validate an existing devices file")
	input := flags.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flags.Bool("force", false, "overwrite existing config file")
	_ = flags.Parse(os.Args[1:])

	if *validate {
		if *kind != "devices" {
			log.Fatalf("validation supports kind=devices only (relay configs are checked by relayctl)")
		}
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		cfg, err := config.LoadDeviceSeedFile(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %d devices at %s", len(cfg.Devices), path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case "relay":
		return "cmd/relayctl/config.toml"
	case "devices":
		return "cmd/relayctl/devices.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}
