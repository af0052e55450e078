package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/kfutex/internal/scenario"
)

// ErrScenarioRequired is returned when run gets no scenario path.
var ErrScenarioRequired = errors.New("scenario file is required")

// RunCmd returns the run command.
func RunCmd(env *Env) *Command {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	dump := flags.String("dump", "", "Write a JSON snapshot of the final state to `file`")

	return &Command{
		Flags: flags,
		Usage: "run <scenario> [flags]",
		Short: "Run a scenario file",
		Long: `Run a JSONC scenario file against a fresh simulated machine.

Each step prints one line. The run stops at the first failed expectation.
Waits still blocked when the scenario ends are interrupted and reported
as a warning.`,
		Validate: func(args []string) error {
			if len(args) != 1 {
				return ErrScenarioRequired
			}

			return nil
		},
		Simulate: func(ctx context.Context, o *IO, sim *Simulation, args []string) error {
			return execRun(ctx, o, env, sim, args[0], *dump)
		},
	}
}

func execRun(ctx context.Context, o *IO, env *Env, sim *Simulation, path, dumpPath string) error {
	f, err := scenario.Load(env.Path(path))
	if err != nil {
		return err
	}

	runner := sim.NewRunner(o.Out())

	runErr := runner.Run(ctx, f)

	if dumpPath != "" {
		err = writeSnapshot(env.Path(dumpPath), runner.Snapshot())
		if err != nil {
			runner.Close()

			return errors.Join(runErr, err)
		}
	}

	interrupted := runner.Close()
	if interrupted > 0 {
		o.Warn(fmt.Sprintf("%d wait(s) still blocked when the scenario ended", interrupted),
			"add wake or settle steps, or give the waits a timeout")
	}

	if runErr != nil {
		return runErr
	}

	o.Printf("ok: %d steps\n", len(f.Steps))

	return nil
}

// writeSnapshot atomically replaces path with the encoded snapshot.
func writeSnapshot(path string, snap scenario.Snapshot) error {
	data, err := scenario.MarshalSnapshot(snap)
	if err != nil {
		return err
	}

	err = atomic.WriteFile(path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	return nil
}
