package main

import (
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/clstp/internal/compute"
	"github.com/fxnlabs/clstp/internal/problem"
	"github.com/fxnlabs/clstp/internal/reference"
	"github.com/fxnlabs/clstp/internal/stp"
	"github.com/fxnlabs/clstp/kernels"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func benchCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:         "bench",
		Usage:        "Time solves over a sweep of problem sizes (default command)",
		OnUsageError: usageError,
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "start", Usage: "First problem size"},
			&cli.IntFlag{Name: "stop", Usage: "Last problem size"},
			&cli.IntFlag{Name: "step", Usage: "Problem size increment"},
		},
		Action: func(c *cli.Context) error {
			return bench(c, env)
		},
	}
}

// benchSizes lists start, start+step, ... up to stop. Zero is skipped since
// a solve needs at least one node.
func benchSizes(start, stop, step int) []int {
	var sizes []int
	if step <= 0 {
		return nil
	}
	for n := start; n <= stop; n += step {
		if n > 0 {
			sizes = append(sizes, n)
		}
	}
	return sizes
}

func bench(c *cli.Context, env *environment) error {
	cfg := env.cfg
	start, stop, step := cfg.Bench.Start, cfg.Bench.Stop, cfg.Bench.Step
	if c.IsSet("start") {
		start = c.Int("start")
	}
	if c.IsSet("stop") {
		stop = c.Int("stop")
	}
	if c.IsSet("step") {
		step = c.Int("step")
	}
	sizes := benchSizes(start, stop, step)
	if len(sizes) == 0 {
		return fmt.Errorf("%w: empty sweep %d..%d step %d", compute.ErrInvalidArgument, start, stop, step)
	}
	if last := sizes[len(sizes)-1]; last > cfg.Solver.MaxProblemSize {
		return fmt.Errorf("%w: sweep reaches %d, max problem size is %d", compute.ErrInvalidArgument, last, cfg.Solver.MaxProblemSize)
	}

	var solver *stp.Solver
	return withApp(graph(env, &solver), func() error {
		for _, n := range sizes {
			m := problem.New(n)
			elapsed, err := solver.Solve(n, m.W)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%d %f\n", n, elapsed.Seconds())
		}
		return nil
	})
}

func devicesCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:         "devices",
		Usage:        "List the platforms and devices of the configured backend",
		OnUsageError: usageError,
		Action: func(c *cli.Context) error {
			var driver compute.Driver
			return withApp(graph(env, &driver), func() error {
				records, err := compute.Enumerate(driver)
				if err != nil {
					return err
				}
				printInventory(c.App.Writer, driver.Name(), records)
				return nil
			})
		},
	}
}

func printInventory(w io.Writer, backend string, records []compute.PlatformRecord) {
	banner := figure.NewFigure("clstp", "", true)
	fmt.Fprintln(w, banner.String())
	fmt.Fprintf(w, "Found %d %s platforms\n", len(records), backend)
	for _, rec := range records {
		fmt.Fprintf(w, "Platform %d: name='%s' vendor='%s'\n", rec.Index, rec.Info.Name, rec.Info.Vendor)
		if rec.Err != nil {
			fmt.Fprintf(w, "  Error querying platform for devices: %v\n", rec.Err)
			continue
		}
		fmt.Fprintf(w, "  Platform has %d devices:\n", len(rec.Devices))
		for j, info := range rec.Devices {
			fmt.Fprintf(w, "Device %d.%d: %s\n", rec.Index, j, info)
		}
	}
}

func verifyCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:         "verify",
		Usage:        "Solve random constraint networks and check them against a host reference",
		OnUsageError: usageError,
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "size", Usage: "Problem size"},
			&cli.IntFlag{Name: "samples", Usage: "Number of random networks"},
			&cli.Uint64Flag{Name: "seed", Usage: "Random seed"},
		},
		Action: func(c *cli.Context) error {
			v := env.cfg.Verify
			if c.IsSet("size") {
				v.Size = c.Int("size")
			}
			if c.IsSet("samples") {
				v.Samples = c.Int("samples")
			}
			if c.IsSet("seed") {
				v.Seed = c.Uint64("seed")
			}
			if v.Size <= 0 || v.Size > env.cfg.Solver.MaxProblemSize {
				return fmt.Errorf("%w: verify size %d out of range [1, %d]", compute.ErrInvalidArgument, v.Size, env.cfg.Solver.MaxProblemSize)
			}

			var solver *stp.Solver
			return withApp(graph(env, &solver), func() error {
				failed := 0
				for sample := 0; sample < v.Samples; sample++ {
					rng := rand.New(rand.NewPCG(v.Seed, uint64(sample)))
					// Later samples are denser and more likely inconsistent.
					m := problem.Random(v.Size, v.Constraints*(sample+1), rng)
					ok, err := verifySample(solver, m, v.Tolerance)
					if err != nil {
						return err
					}
					status := "ok"
					if !ok {
						status = "MISMATCH"
						failed++
					}
					fmt.Fprintf(c.App.Writer, "sample %d: n=%d consistent=%t C(0,0)=%f %s\n",
						sample, v.Size, m.Consistent(), m.At(0, 0), status)
				}
				if failed > 0 {
					env.log.Error("verification failed", zap.Int("failed", failed), zap.Int("samples", v.Samples))
					return fmt.Errorf("%d of %d samples differ from the reference", failed, v.Samples)
				}
				return nil
			})
		},
	}
}

// verifySample closes m on the device in place and compares it with the
// reference closure of its input. Inconsistent networks only need to agree on
// inconsistency.
func verifySample(solver *stp.Solver, m *problem.Matrix, tol float64) (bool, error) {
	want, consistent := reference.Closure(m)
	if _, err := solver.Solve(m.N, m.W); err != nil {
		return false, err
	}
	if m.Consistent() != consistent {
		return false, nil
	}
	if !consistent {
		return true, nil
	}
	return problem.Equal(m, want, tol), nil
}

func kernelCommand() *cli.Command {
	return &cli.Command{
		Name:  "kernel",
		Usage: "Manage the relaxation kernel source",
		Subcommands: []*cli.Command{
			{
				Name:         "install",
				Usage:        "Write the embedded " + kernels.STPFile + " into DIR",
				ArgsUsage:    "DIR",
				OnUsageError: usageError,
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return usageError(c, fmt.Errorf("expected exactly one directory"), true)
					}
					path, err := kernels.Install(c.Args().First())
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
					return nil
				},
			},
		},
	}
}
