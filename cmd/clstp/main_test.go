package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/fxnlabs/clstp/internal/compute"
	"github.com/fxnlabs/clstp/internal/config"
	"github.com/fxnlabs/clstp/internal/problem"
	"github.com/fxnlabs/clstp/internal/stp"
	"github.com/fxnlabs/clstp/kernels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
)

const smallConfig = `
logger:
  verbosity: error
compute:
  backend: host
  selections:
    - {platform: 0, device: 0}
solver:
  maxProblemSize: 64
  workGroupSize: 16
bench:
  start: 8
  stop: 24
  step: 8
verify:
  size: 12
  samples: 3
  constraints: 10
  seed: 5
  tolerance: 0.01
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(&environment{}, append([]string{"clstp"}, args...), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestExpandUseArgs(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    []string
		wantErr string
	}{
		{
			name: "pairs",
			in:   []string{"clstp", "--use", "0", "1", "bench", "-use", "2", "3"},
			want: []string{"clstp", "--use=0:1", "bench", "--use=2:3"},
		},
		{
			name: "passthrough",
			in:   []string{"clstp", "--use=1:0", "devices"},
			want: []string{"clstp", "--use=1:0", "devices"},
		},
		{
			name: "terminator",
			in:   []string{"clstp", "kernel", "install", "--", "--use", "x"},
			want: []string{"clstp", "kernel", "install", "--", "--use", "x"},
		},
		{name: "missing device", in: []string{"clstp", "--use", "0"}, wantErr: "needs a platform and a device index"},
		{name: "bad platform", in: []string{"clstp", "--use", "a", "0"}, wantErr: `platform index "a"`},
		{name: "bad device", in: []string{"clstp", "--use", "0", "b"}, wantErr: `device index "b"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandUseArgs(tt.in)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBenchSizes(t *testing.T) {
	assert.Equal(t, []int{512, 1024, 1536}, benchSizes(512, 1536, 512))
	assert.Equal(t, []int{4, 8}, benchSizes(0, 8, 4))
	assert.Equal(t, []int{3}, benchSizes(3, 5, 4))
	assert.Empty(t, benchSizes(10, 5, 1))
	assert.Empty(t, benchSizes(1, 5, 0))
}

func TestRun_Bench(t *testing.T) {
	path := writeConfig(t, smallConfig)
	stdout, _, err := runApp(t, "--config", path, "bench", "--stop", "16")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	for i, line := range lines {
		fields := strings.Fields(line)
		require.Len(t, fields, 2)
		assert.Equal(t, strconv.Itoa(8*(i+1)), fields[0])
		seconds, err := strconv.ParseFloat(fields[1], 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, seconds, 0.0)
	}
}

func TestRun_DefaultCommandIsBench(t *testing.T) {
	path := writeConfig(t, smallConfig)
	stdout, _, err := runApp(t, "--config", path, "--use", "0", "0")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(stdout), "\n"), 3)
}

func TestRun_BenchRejectsOversizedSweep(t *testing.T) {
	path := writeConfig(t, smallConfig)
	_, _, err := runApp(t, "--config", path, "bench", "--stop", "128")
	assert.ErrorIs(t, err, compute.ErrInvalidArgument)
}

func TestRun_Devices(t *testing.T) {
	path := writeConfig(t, smallConfig)
	stdout, _, err := runApp(t, "--config", path, "devices")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Found 1 host platforms")
	assert.Contains(t, stdout, "Platform 0: name='Go host' vendor='clstp'")
	assert.Contains(t, stdout, "Device 0.0: name='CPU (")
}

func TestRun_DevicesWithInventory(t *testing.T) {
	inventory, err := filepath.Abs("../../fixtures/tests/config/inventory.yaml")
	require.NoError(t, err)
	body := strings.Replace(smallConfig, "  backend: host\n", "  backend: host\n  host:\n    inventory: "+inventory+"\n", 1)
	path := writeConfig(t, body)

	stdout, _, err := runApp(t, "--config", path, "devices")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Found 2 host platforms")
	assert.Contains(t, stdout, "Platform 1: name='Simulated B'")
	assert.Contains(t, stdout, "Device 0.1: name='Small CPU' type=cpu")
}

func TestRun_Verify(t *testing.T) {
	path := writeConfig(t, smallConfig)
	stdout, _, err := runApp(t, "--config", path, "verify", "--samples", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, "n=12")
		assert.True(t, strings.HasSuffix(line, " ok"), line)
	}

	_, _, err = runApp(t, "--config", path, "verify", "--size", "65")
	assert.ErrorIs(t, err, compute.ErrInvalidArgument)
}

func TestRun_KernelInstall(t *testing.T) {
	dir := t.TempDir()
	stdout, _, err := runApp(t, "kernel", "install", dir)
	require.NoError(t, err)
	assert.Equal(t, "wrote "+filepath.Join(dir, kernels.STPFile)+"\n", stdout)

	_, stderr, err := runApp(t, "kernel", "install")
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, "expected exactly one directory")
}

func TestRun_UsageErrors(t *testing.T) {
	t.Run("unknown flag", func(t *testing.T) {
		stdout, stderr, err := runApp(t, "--nope")
		assert.ErrorIs(t, err, errUsage)
		assert.Contains(t, stderr, "Incorrect usage")
		assert.Contains(t, stdout, "USAGE")
	})

	t.Run("malformed use", func(t *testing.T) {
		stdout, stderr, err := runApp(t, "--use", "0")
		assert.ErrorIs(t, err, errUsage)
		assert.Contains(t, stderr, "needs a platform and a device index")
		assert.Contains(t, stdout, "USAGE")
	})
}

func TestRun_ConfigErrors(t *testing.T) {
	_, _, err := runApp(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := writeConfig(t, smallConfig)
	_, _, err = runApp(t, "--config", path, "--backend", "cuda", "devices")
	assert.ErrorContains(t, err, "compute.backend")

	_, _, err = runApp(t, "--config", path, "--use", "7", "7", "bench")
	assert.ErrorContains(t, err, compute.ErrNoDevices.Error())
}

func TestApplyFlags(t *testing.T) {
	cfg := config.Default()
	app := &cli.App{
		Flags: newApp(&environment{}).Flags,
		Action: func(c *cli.Context) error {
			return applyFlags(c, cfg)
		},
	}
	err := app.Run([]string{"clstp", "--use=1:2", "--use=0.3", "--backend", "opencl",
		"--max-size", "512", "--verbosity", "debug", "--metrics-addr", ":9100"})
	require.NoError(t, err)

	assert.Equal(t, []compute.Selection{{Platform: 1, Device: 2}, {Platform: 0, Device: 3}}, cfg.Compute.Selections)
	assert.Equal(t, config.BackendOpenCL, cfg.Compute.Backend)
	assert.Equal(t, 512, cfg.Solver.MaxProblemSize)
	assert.Equal(t, "debug", cfg.Logger.Verbosity)
	assert.Equal(t, ":9100", cfg.Metrics.ListenAddress)

	untouched := config.Default()
	app.Action = func(c *cli.Context) error {
		return applyFlags(c, untouched)
	}
	require.NoError(t, app.Run([]string{"clstp"}))
	assert.Equal(t, config.Default(), untouched)

	args := []string{"clstp"}
	for i := 0; i <= compute.MaxSelections; i++ {
		args = append(args, "--use=0:"+strconv.Itoa(i))
	}
	assert.ErrorIs(t, app.Run(args), compute.ErrTooManySelections)
	assert.ErrorIs(t, app.Run([]string{"clstp", "--use=x:0"}), compute.ErrInvalidArgument)
}

func TestGraph(t *testing.T) {
	cfg := config.Default()
	cfg.Solver.MaxProblemSize = 16
	env := &environment{cfg: cfg, log: zaptest.NewLogger(t)}

	var solver *stp.Solver
	var mgr *compute.Manager
	app := fxtest.New(t,
		fx.Supply(env.cfg, env.log),
		fx.WithLogger(fxLogger),
		fx.Provide(newDriver, newManager, newSolver),
		fx.Invoke(registerMetricsServer),
		fx.Populate(&solver, &mgr),
	)
	app.RequireStart()

	m := problem.New(3)
	m.Set(0, 1, 1)
	m.Set(1, 2, 1)
	_, err := solver.Solve(3, m.W)
	require.NoError(t, err)
	assert.Equal(t, float32(2), m.At(0, 2))

	app.RequireStop()
	assert.Empty(t, mgr.Devices(), "stopping the graph shuts the manager down")
	_, err = solver.Solve(3, m.W)
	assert.ErrorIs(t, err, stp.ErrClosed)
}
