package compute_test

import (
	"testing"

	"github.com/fxnlabs/clstp/internal/compute"
	"github.com/fxnlabs/clstp/internal/compute/host"
	"github.com/fxnlabs/clstp/internal/metrics"
	"github.com/fxnlabs/clstp/kernels"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestCompileProgram(t *testing.T) {
	driver := host.NewDriver()
	mgr, err := compute.NewManager(driver, []compute.Selection{sel(0, 0)}, zap.NewNop(),
		compute.WithIncludeDirs("/opt/clstp/kernels"))
	require.NoError(t, err)
	defer mgr.Shutdown()
	dev, err := mgr.Device(0)
	require.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		program, err := mgr.CompileProgram(dev, kernels.STPFile, "-DNDEBUG")
		require.NoError(t, err)
		defer program.Release()

		assert.Equal(t, compute.BuildStatusSuccess, program.BuildStatus())
		kernel, err := program.CreateKernel(kernels.BasicSTPEntry)
		require.NoError(t, err)
		assert.Equal(t, kernels.BasicSTPEntry, kernel.Name())
		require.NoError(t, kernel.Release())

		_, err = program.CreateKernel("missing")
		assert.ErrorIs(t, err, compute.StatusInvalidKernelName)
	})

	t.Run("missing source", func(t *testing.T) {
		live := driver.Live()
		failures := testutil.ToFloat64(metrics.ProgramBuildFailures.WithLabelValues(dev.Name))

		_, err := mgr.CompileProgram(dev, "nope.cl", "")
		var buildErr *compute.BuildError
		require.ErrorAs(t, err, &buildErr)
		assert.ErrorIs(t, err, compute.ErrBuildFailed)
		assert.ErrorIs(t, err, compute.StatusBuildProgramFailure)
		assert.Equal(t, compute.BuildStatusError, buildErr.Status)
		assert.Contains(t, buildErr.Log, "'nope.cl' file not found")
		assert.Contains(t, buildErr.Options, "-I./ -I")
		assert.Contains(t, buildErr.Options, "-I/opt/clstp/kernels -w")
		assert.Equal(t, dev.Name, buildErr.Device)

		assert.Equal(t, live, driver.Live(), "failed program must be released")
		assert.Equal(t, failures+1, testutil.ToFloat64(metrics.ProgramBuildFailures.WithLabelValues(dev.Name)))
	})

	t.Run("invalid build options", func(t *testing.T) {
		_, err := mgr.CompileProgram(dev, kernels.STPFile, "--fast-math")
		var buildErr *compute.BuildError
		require.ErrorAs(t, err, &buildErr)
		assert.ErrorIs(t, err, compute.StatusInvalidBuildOptions)
		assert.Contains(t, buildErr.Log, "invalid build option '--fast-math'")
		assert.Contains(t, buildErr.Options, "--fast-math")
	})

	t.Run("invalid arguments", func(t *testing.T) {
		_, err := mgr.CompileProgram(dev, "  ", "")
		assert.ErrorIs(t, err, compute.ErrInvalidArgument)
		_, err = mgr.CompileProgram(nil, kernels.STPFile, "")
		assert.ErrorIs(t, err, compute.ErrInvalidArgument)
	})
}

func TestCompileProgram_LogsBuildLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	mgr, err := compute.NewManager(host.NewDriver(), []compute.Selection{sel(0, 0)}, zap.New(core))
	require.NoError(t, err)
	defer mgr.Shutdown()
	dev, err := mgr.Device(0)
	require.NoError(t, err)

	_, err = mgr.CompileProgram(dev, "absent.cl", "")
	require.Error(t, err)

	entries := logs.FilterMessage("Program build failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Contains(t, fields["log"], "'absent.cl' file not found")
	assert.Contains(t, fields["options"], "-w")
	assert.Equal(t, "error", fields["status"])
	assert.Equal(t, dev.Name, fields["device"])
}
