package cli_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kfutex/internal/cli"
	"github.com/calvinalkan/kfutex/internal/config"
	"github.com/calvinalkan/kfutex/internal/hostsim"
)

func Test_Command_Simulate_Gets_Configured_Machine_When_Validate_Passes(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Buckets = 13

	env := &cli.Env{Config: cfg}

	var sim *cli.Simulation

	cmd := &cli.Command{
		Flags: flag.NewFlagSet("check", flag.ContinueOnError),
		Usage: "check",
		Validate: func(args []string) error {
			if len(args) != 1 {
				return errors.New("want one arg")
			}

			return nil
		},
		Simulate: func(_ context.Context, o *cli.IO, s *cli.Simulation, args []string) error {
			sim = s
			o.Println("arg", args[0], "buckets", s.System.Table().BucketCount())

			return nil
		},
	}

	var out, errOut bytes.Buffer

	code := cmd.Run(context.Background(), cli.NewIO(strings.NewReader(""), &out, &errOut), env, []string{"x"})
	require.Equal(t, 0, code, "stderr: %s", errOut.String())
	assert.Equal(t, "arg x buckets 13\n", out.String())

	// Run closes the machine once Simulate returns.
	require.NotNil(t, sim)

	proc, err := sim.Machine.NewProcess(1)
	require.NoError(t, err)
	require.ErrorIs(t, proc.Map(0x400000, 1), hostsim.ErrClosed)
}

func Test_Command_Skips_Simulation_When_Validate_Fails(t *testing.T) {
	t.Parallel()

	called := false

	cmd := &cli.Command{
		Flags:    flag.NewFlagSet("check", flag.ContinueOnError),
		Usage:    "check",
		Validate: func([]string) error { return errors.New("bad args") },
		Simulate: func(context.Context, *cli.IO, *cli.Simulation, []string) error {
			called = true

			return nil
		},
	}

	var out, errOut bytes.Buffer

	code := cmd.Run(context.Background(), cli.NewIO(strings.NewReader(""), &out, &errOut), &cli.Env{Config: config.Default()}, nil)

	assert.Equal(t, 1, code)
	assert.False(t, called)
	cli.AssertContains(t, errOut.String(), "error: bad args")
}
