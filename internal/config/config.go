package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/fxnlabs/clstp/internal/compute"
	"gopkg.in/yaml.v3"
)

const (
	BackendHost   = "host"
	BackendOpenCL = "opencl"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Compute struct {
		Backend          string              `yaml:"backend"`
		Selections       []compute.Selection `yaml:"selections"`
		IncludeDirs      []string            `yaml:"includeDirs"`
		OutOfOrderQueues bool                `yaml:"outOfOrderQueues"`
		Host             struct {
			// Inventory is an optional platform inventory file, see LoadInventory.
			Inventory string `yaml:"inventory"`
			Workers   int    `yaml:"workers"`
		} `yaml:"host"`
	} `yaml:"compute"`
	Solver struct {
		MaxProblemSize int    `yaml:"maxProblemSize"`
		KernelSource   string `yaml:"kernelSource"`
		BuildArgs      string `yaml:"buildArgs"`
		WorkGroupSize  int    `yaml:"workGroupSize"`
	} `yaml:"solver"`
	Bench struct {
		Start int `yaml:"start"`
		Stop  int `yaml:"stop"`
		Step  int `yaml:"step"`
	} `yaml:"bench"`
	Verify struct {
		Size        int     `yaml:"size"`
		Samples     int     `yaml:"samples"`
		Constraints int     `yaml:"constraints"`
		Seed        uint64  `yaml:"seed"`
		Tolerance   float64 `yaml:"tolerance"`
	} `yaml:"verify"`
	Metrics struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is given: the host
// backend with device 0.0 and the benchmark sweep 512..4096 on a maximum
// problem size of 8192.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "console"
	c.Compute.Backend = BackendHost
	c.Compute.Selections = []compute.Selection{{Platform: 0, Device: 0}}
	c.Solver.MaxProblemSize = 8192
	c.Solver.WorkGroupSize = 256
	c.Bench.Start = 512
	c.Bench.Stop = 4096
	c.Bench.Step = 512
	c.Verify.Size = 64
	c.Verify.Samples = 8
	c.Verify.Constraints = 256
	c.Verify.Seed = 1
	c.Verify.Tolerance = 1e-2
	return &c
}

// LoadConfig reads path over Default. An empty path returns Default.
func LoadConfig(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the bounds the device manager and solver enforce, so a bad
// file is reported before any device is touched.
func (c *Config) Validate() error {
	var errs []error
	switch c.Compute.Backend {
	case BackendHost, BackendOpenCL:
	default:
		errs = append(errs, fmt.Errorf("compute.backend %q is not %q or %q", c.Compute.Backend, BackendHost, BackendOpenCL))
	}
	if len(c.Compute.Selections) == 0 {
		errs = append(errs, errors.New("compute.selections is empty"))
	}
	if len(c.Compute.Selections) > compute.MaxSelections {
		errs = append(errs, fmt.Errorf("compute.selections has %d entries, at most %d allowed", len(c.Compute.Selections), compute.MaxSelections))
	}
	for _, s := range c.Compute.Selections {
		if s.Platform < 0 || s.Device < 0 {
			errs = append(errs, fmt.Errorf("compute.selections: negative index in %s", s))
		}
	}
	if c.Solver.MaxProblemSize <= 0 {
		errs = append(errs, fmt.Errorf("solver.maxProblemSize must be positive, got %d", c.Solver.MaxProblemSize))
	}
	if c.Solver.WorkGroupSize <= 0 {
		errs = append(errs, fmt.Errorf("solver.workGroupSize must be positive, got %d", c.Solver.WorkGroupSize))
	}
	if c.Bench.Step <= 0 {
		errs = append(errs, fmt.Errorf("bench.step must be positive, got %d", c.Bench.Step))
	}
	if c.Bench.Stop > c.Solver.MaxProblemSize {
		errs = append(errs, fmt.Errorf("bench.stop %d exceeds solver.maxProblemSize %d", c.Bench.Stop, c.Solver.MaxProblemSize))
	}
	if c.Verify.Size <= 0 || c.Verify.Size > c.Solver.MaxProblemSize {
		errs = append(errs, fmt.Errorf("verify.size %d out of range [1, %d]", c.Verify.Size, c.Solver.MaxProblemSize))
	}
	return errors.Join(errs...)
}
