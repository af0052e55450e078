package cli_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kfutex/internal/cli"
	"github.com/calvinalkan/kfutex/internal/hostsim"
	"github.com/calvinalkan/kfutex/pkg/futex"
)

func Test_Stress_Counts_Every_Round_When_Threads_Contend(t *testing.T) {
	t.Parallel()

	machine, err := hostsim.New(hostsim.Options{Frames: 4, PageSize: 4096})
	require.NoError(t, err)

	t.Cleanup(func() { _ = machine.Close() })

	sys, err := machine.NewSystem(futex.Config{Buckets: 7})
	require.NoError(t, err)

	res, err := cli.Stress(context.Background(), machine, sys, 6, 300)
	require.NoError(t, err)

	assert.Equal(t, uint32(6*300), res.Counter)
	assert.Equal(t, res.Waits, res.Woken)
	assert.Zero(t, res.Queued)
}

func Test_Stress_Command_Reports_Counts_When_Run(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("--buckets", "13", "stress", "--threads", "4", "--rounds", "200")

	cli.AssertContains(t, stdout, "threads=4 rounds=200 counter=800")
	cli.AssertContains(t, stdout, "queued=0")
}

func Test_Stress_Command_Fails_When_Threads_Not_Positive(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	cli.AssertContains(t, c.MustFail("stress", "--threads", "0"), "must be positive")
}
