package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/kfutex/internal/hostsim"
	"github.com/calvinalkan/kfutex/internal/scenario"
	"github.com/calvinalkan/kfutex/pkg/futex"
)

// Command is one futexsim subcommand. A command sets exactly one of Exec
// and Simulate.
type Command struct {
	Flags *flag.FlagSet

	// Usage is the freeform usage string shown after "futexsim" in help.
	// Examples: "run <scenario> [flags]", "repl", "print-config"
	Usage string

	// Short is a one-line description for the global help listing.
	Short string

	// Long is the full description shown in command help.
	// If empty, Short is used instead.
	Long string

	// Exec runs a command that needs no simulated machine.
	Exec func(ctx context.Context, o *IO, args []string) error

	// Validate, when set, checks the parsed flags and args before a
	// simulation is built.
	Validate func(args []string) error

	// Simulate runs against a machine and futex system freshly built from
	// the loaded config. Run closes the machine when Simulate returns.
	Simulate func(ctx context.Context, o *IO, sim *Simulation, args []string) error
}

// Simulation is the machine and futex system a Simulate command runs on.
type Simulation struct {
	Machine *hostsim.Machine
	System  *futex.System
	Logger  *zap.Logger
}

// NewRunner returns a scenario runner on the simulation printing to out.
func (s *Simulation) NewRunner(out io.Writer) *scenario.Runner {
	return scenario.NewRunner(s.Machine, s.System, out, s.Logger)
}

// newSimulation builds a machine and a futex system from env's config.
func newSimulation(env *Env) (*Simulation, error) {
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	machine, err := hostsim.New(hostsim.Options{
		Frames:   env.Config.Frames,
		PageSize: int(env.Config.PageSize),
	})
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	sys, err := machine.NewSystem(env.Config.Futex(logger))
	if err != nil {
		_ = machine.Close()

		return nil, err
	}

	return &Simulation{Machine: machine, System: sys, Logger: logger}, nil
}

// Name returns the command name (first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine returns the short help line for the main usage display.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-26s %s", c.Usage, c.Short)
}

// PrintHelp prints the full help output for "futexsim <cmd> --help".
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: futexsim", c.Usage)
	o.Println()

	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Println(desc)

	if c.Flags != nil && c.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")

		var buf strings.Builder

		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		o.Printf("%s", buf.String())
	}
}

// Run parses flags and executes the command. Returns exit code.
func (c *Command) Run(ctx context.Context, o *IO, env *Env, args []string) int {
	c.Flags.SetOutput(&strings.Builder{}) // discard pflag output

	err := c.Flags.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)

			return 0
		}

		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o)

		return 1
	}

	err = c.exec(ctx, o, env, c.Flags.Args())
	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	return o.Finish()
}

func (c *Command) exec(ctx context.Context, o *IO, env *Env, args []string) error {
	if c.Simulate == nil {
		return c.Exec(ctx, o, args)
	}

	if c.Validate != nil {
		err := c.Validate(args)
		if err != nil {
			return err
		}
	}

	sim, err := newSimulation(env)
	if err != nil {
		return err
	}

	defer func() { _ = sim.Machine.Close() }()

	err = c.Simulate(ctx, o, sim, args)

	if queued := sim.System.Table().Len(); queued > 0 {
		sim.Logger.Debug("simulation ended with queued waiters",
			zap.String("command", c.Name()),
			zap.Int("queued", queued),
		)
	}

	return err
}
