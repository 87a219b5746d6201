package main

import (
	"context"
	"net/http"
	"time"

	"github.com/fxnlabs/clstp/internal/compute"
	"github.com/fxnlabs/clstp/internal/compute/host"
	"github.com/fxnlabs/clstp/internal/compute/opencl"
	"github.com/fxnlabs/clstp/internal/config"
	"github.com/fxnlabs/clstp/internal/metrics"
	"github.com/fxnlabs/clstp/internal/stp"
	"github.com/fxnlabs/clstp/kernels"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const lifecycleTimeout = 30 * time.Second

func newDriver(cfg *config.Config, log *zap.Logger) (compute.Driver, error) {
	switch cfg.Compute.Backend {
	case config.BackendOpenCL:
		return opencl.New()
	default:
		opts := []host.Option{host.WithLogger(log), host.WithWorkers(cfg.Compute.Host.Workers)}
		if path := cfg.Compute.Host.Inventory; path != "" {
			inv, err := config.LoadInventory(path)
			if err != nil {
				return nil, err
			}
			inv.Check(log)
			opts = append(opts, host.WithPlatforms(inv.Platforms...))
		}
		return host.NewDriver(opts...), nil
	}
}

func newManager(lc fx.Lifecycle, cfg *config.Config, driver compute.Driver, log *zap.Logger) (*compute.Manager, error) {
	opts := []compute.Option{compute.WithIncludeDirs(cfg.Compute.IncludeDirs...)}
	if cfg.Compute.OutOfOrderQueues {
		opts = append(opts, compute.WithOutOfOrderQueues())
	}
	mgr, err := compute.NewManager(driver, cfg.Compute.Selections, log, opts...)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return mgr.Shutdown()
		},
	})
	return mgr, nil
}

func newSolver(lc fx.Lifecycle, cfg *config.Config, mgr *compute.Manager, log *zap.Logger) (*stp.Solver, error) {
	source := cfg.Solver.KernelSource
	if source == "" {
		source = kernels.STPFile
	}
	solver, err := stp.NewSolver(mgr, cfg.Solver.MaxProblemSize, log,
		stp.WithSource(source),
		stp.WithBuildArgs(cfg.Solver.BuildArgs),
		stp.WithWorkGroupSize(cfg.Solver.WorkGroupSize))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return solver.Close()
		},
	})
	return solver, nil
}

func registerMetricsServer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) {
	addr := cfg.Metrics.ListenAddress
	if addr == "" {
		return
	}
	srv := metrics.NewServer(addr)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			_, err := metrics.Start(srv, log)
			return err
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	})
}

func fxLogger(log *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: log.Named("fx")}
}

// graph assembles the lifecycle shared by every command. Constructors are
// only invoked for the values targets asks for.
func graph(env *environment, targets ...any) *fx.App {
	return fx.New(
		fx.Supply(env.cfg, env.log),
		fx.WithLogger(fxLogger),
		fx.Provide(newDriver, newManager, newSolver),
		fx.Invoke(registerMetricsServer),
		fx.Populate(targets...),
	)
}

// withApp starts app, runs fn and stops app again. Stop runs even when fn
// fails so devices are always released.
func withApp(app *fx.App, fn func() error) error {
	startCtx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	runErr := fn()

	stopCtx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	return multierr.Append(runErr, app.Stop(stopCtx))
}
