package fixtures

import (
	_ "embed"
)

//go:embed config/config.yaml.template
var ConfigTemplate []byte

//go:embed config/inventory.yaml.template
var InventoryTemplate []byte
