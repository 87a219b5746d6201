package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fxnlabs/clstp/internal/compute"
	"github.com/fxnlabs/clstp/internal/config"
	"github.com/fxnlabs/clstp/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// errUsage ends the process with status 0 after usage was printed.
var errUsage = errors.New("usage requested")

type environment struct {
	cfg *config.Config
	log *zap.Logger
}

func newApp(env *environment) *cli.App {
	return &cli.App{
		Name:  "clstp",
		Usage: "Close simple temporal networks with a staged relaxation on compute devices",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML config file",
				EnvVars: []string{"CLSTP_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "use",
				Usage: "Select a device as `PLATFORM DEVICE` (repeatable, at most 16)",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Compute backend: host or opencl",
			},
			&cli.IntFlag{
				Name:  "max-size",
				Usage: "Largest problem size the solver allocates for",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "Log level",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve prometheus metrics on this address",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if err := applyFlags(c, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return err
			}
			env.cfg = cfg
			env.log = zapLogger.Named("cli")
			return nil
		},
		OnUsageError: usageError,
		Action: func(c *cli.Context) error {
			return bench(c, env)
		},
		Commands: []*cli.Command{
			benchCommand(env),
			devicesCommand(env),
			verifyCommand(env),
			kernelCommand(),
		},
	}
}

func usageError(c *cli.Context, err error, isSubcommand bool) error {
	fmt.Fprintf(c.App.ErrWriter, "Incorrect usage: %v\n\n", err)
	if isSubcommand {
		_ = cli.ShowSubcommandHelp(c)
	} else {
		_ = cli.ShowAppHelp(c)
	}
	return errUsage
}

func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet("use") {
		selections := make([]compute.Selection, 0, len(c.StringSlice("use")))
		for _, raw := range c.StringSlice("use") {
			sel, err := compute.ParseSelection(raw)
			if err != nil {
				return err
			}
			selections = append(selections, sel)
		}
		if len(selections) > compute.MaxSelections {
			return fmt.Errorf("%w: --use given %d times, at most %d allowed", compute.ErrTooManySelections, len(selections), compute.MaxSelections)
		}
		cfg.Compute.Selections = selections
	}
	if c.IsSet("backend") {
		cfg.Compute.Backend = c.String("backend")
	}
	if c.IsSet("max-size") {
		cfg.Solver.MaxProblemSize = c.Int("max-size")
	}
	if c.IsSet("verbosity") {
		cfg.Logger.Verbosity = c.String("verbosity")
	}
	if c.IsSet("metrics-addr") {
		cfg.Metrics.ListenAddress = c.String("metrics-addr")
	}
	return nil
}

// expandUseArgs rewrites every `--use P D` pair into `--use=P:D` so the
// two-token form parses as a single flag value.
func expandUseArgs(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			out = append(out, args[i:]...)
			break
		}
		if arg != "--use" && arg != "-use" {
			out = append(out, arg)
			continue
		}
		if i+2 >= len(args) {
			return nil, fmt.Errorf("%s needs a platform and a device index", arg)
		}
		p, d := args[i+1], args[i+2]
		if _, err := strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("%s: platform index %q is not a number", arg, p)
		}
		if _, err := strconv.Atoi(d); err != nil {
			return nil, fmt.Errorf("%s: device index %q is not a number", arg, d)
		}
		out = append(out, "--use="+p+":"+d)
		i += 2
	}
	return out, nil
}

func run(env *environment, args []string, stdout, stderr io.Writer) error {
	app := newApp(env)
	app.Writer = stdout
	app.ErrWriter = stderr

	expanded, err := expandUseArgs(args)
	if err != nil {
		app.Setup()
		fmt.Fprintf(app.ErrWriter, "Incorrect usage: %v\n\n", err)
		_ = cli.ShowAppHelp(cli.NewContext(app, nil, nil))
		return errUsage
	}
	return app.Run(expanded)
}

func main() {
	env := &environment{}
	if err := run(env, os.Args, os.Stdout, os.Stderr); err != nil && !errors.Is(err, errUsage) {
		if env.log != nil {
			env.log.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}
