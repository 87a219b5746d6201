package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/fxnlabs/clstp/internal/compute/host"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Inventory lists the platforms and devices the host backend exposes.
type Inventory struct {
	Platforms []host.PlatformSpec `yaml:"platforms"`
}

func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var inv Inventory
	err = yaml.Unmarshal(data, &inv)
	if err != nil {
		return nil, err
	}
	if len(inv.Platforms) == 0 {
		return nil, fmt.Errorf("inventory %s lists no platforms", path)
	}

	return &inv, nil
}

// Check logs devices whose kind is not cpu, gpu or accelerator. They are
// still exposed, reported as "??".
func (inv *Inventory) Check(log *zap.Logger) {
	for p, platform := range inv.Platforms {
		if len(platform.Devices) == 0 {
			log.Warn("platform lists no devices", zap.Int("platform", p), zap.String("name", platform.Name))
		}
		for d, dev := range platform.Devices {
			switch strings.ToLower(dev.Kind) {
			case "cpu", "gpu", "accelerator":
			default:
				log.Warn("unknown device kind",
					zap.Int("platform", p), zap.Int("device", d),
					zap.String("name", dev.Name), zap.String("kind", dev.Kind))
			}
		}
	}
}
