package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/kfutex/internal/scenario"
)

// ReplCmd returns the repl command.
func ReplCmd(env *Env) *Command {
	flags := flag.NewFlagSet("repl", flag.ContinueOnError)
	noHistory := flags.Bool("no-history", false, "Do not read or write the history file")

	return &Command{
		Flags: flags,
		Usage: "repl [flags]",
		Short: "Type scenario steps interactively",
		Long: `Start a prompt on a fresh machine with pid 1 mapping four pages at 0x400000.
Each line is a step in one-line form, for example:

  wait thread=t1 addr=0x400000 val=0
  wake addr=0x400000 count=1
  expect thread=t1 result=0

Type 'help' at the prompt for the full list.`,
		Simulate: func(ctx context.Context, o *IO, sim *Simulation, _ []string) error {
			return execRepl(ctx, o, env, sim, *noHistory)
		},
	}
}

// prompter reads one line per call; liner.State satisfies it.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// lineReader is the prompter used when stdin is not a terminal.
type lineReader struct {
	scanner *bufio.Scanner
}

func (r *lineReader) Prompt(string) (string, error) {
	if !r.scanner.Scan() {
		err := r.scanner.Err()
		if err == nil {
			err = io.EOF
		}

		return "", err
	}

	return r.scanner.Text(), nil
}

func (*lineReader) AppendHistory(string) {}

// repl holds one interactive session.
type repl struct {
	env    *Env
	o      *IO
	runner *scenario.Runner
}

var replWords = []string{
	scenario.OpStore, scenario.OpLoad, scenario.OpWait, scenario.OpWake,
	scenario.OpWakeBitset, scenario.OpRequeue, scenario.OpCmpRequeue,
	scenario.OpWakeOp, scenario.OpFD, scenario.OpSettle, scenario.OpExpect,
	"dump", "save", "threads", "help", "quit",
}

func execRepl(ctx context.Context, o *IO, env *Env, sim *Simulation, noHistory bool) error {
	runner := sim.NewRunner(o.Out())
	defer runner.Close()

	err := runner.Setup(scenario.DefaultProcesses())
	if err != nil {
		return err
	}

	r := &repl{env: env, o: o, runner: runner}

	if !isTerminal(o.In()) {
		return r.loop(ctx, &lineReader{scanner: bufio.NewScanner(o.In())})
	}

	state := liner.NewLiner()
	defer state.Close()

	state.SetCtrlCAborts(true)
	state.SetCompleter(completeWord)

	history := ""
	if !noHistory {
		history = historyFile(env.Vars)
	}

	if history != "" {
		if f, err := os.Open(history); err == nil { //nolint:gosec // history path is derived from HOME
			_, _ = state.ReadHistory(f)
			_ = f.Close()
		}

		defer saveHistory(state, history)
	}

	o.Printf("futexsim (buckets=%d, page_size=%d, shared_keys=%v)\n",
		env.Config.Buckets, env.Config.PageSize, env.Config.SharedKeys)
	o.Println("Type 'help' for available commands.")

	return r.loop(ctx, state)
}

// loop reads lines until quit, end of input, or ctx is done. Step errors
// are printed and the session continues.
func (r *repl) loop(ctx context.Context, p prompter) error {
	for ctx.Err() == nil {
		line, err := p.Prompt("futex> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p.AppendHistory(line)

		quit, err := r.handle(ctx, line)
		if err != nil {
			r.o.ErrPrintln("error:", err)
		}

		if quit {
			return nil
		}
	}

	return nil
}

// handle executes one line. It reports whether the session should end.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	word, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(word) {
	case "exit", "quit", "q":
		return true, nil
	case "help", "?":
		r.printHelp()

		return false, nil
	case "dump":
		data, err := scenario.MarshalSnapshot(r.runner.Snapshot())
		if err != nil {
			return false, err
		}

		r.o.Printf("%s", data)

		return false, nil
	case "save":
		if rest == "" {
			return false, errors.New("usage: save <file>")
		}

		path := r.env.Path(rest)

		err := writeSnapshot(path, r.runner.Snapshot())
		if err != nil {
			return false, err
		}

		r.o.Println("saved", path)

		return false, nil
	case "threads":
		r.printThreads()

		return false, nil
	}

	step, err := scenario.ParseLine(line)
	if err != nil {
		return false, err
	}

	return false, r.runner.Step(ctx, step)
}

func (r *repl) printThreads() {
	snap := r.runner.Snapshot()
	if len(snap.Threads) == 0 {
		r.o.Println("(no threads)")

		return
	}

	for _, th := range snap.Threads {
		state := "blocked"
		if th.Result != nil {
			state = scenario.FormatResult(*th.Result)
		}

		r.o.Printf("%-12s pid=%d id=%d %s\n", th.Name, th.PID, th.ID, state)
	}
}

func (r *repl) printHelp() {
	r.o.Println(`Steps (key=value pairs, "shared" clears the private flag):
  store addr=A val=V                     Write a word
  load addr=A                            Read a word
  wait thread=T addr=A val=V [bitset=B] [timeout=D]
                                         Block thread T while *A == V
  wake addr=A [count=N]                  Wake up to N waiters
  wake_bitset addr=A bitset=B [count=N]  Wake waiters whose bitset overlaps B
  requeue addr=A addr2=A2 [count=N]      Wake N, move the rest to A2
  cmp_requeue addr=A addr2=A2 val=V [count=N]
                                         As requeue if *A == V
  wake_op addr=A addr2=A2 wake_op=OP val=X [count=N]
                                         Apply OP X to *A2, wake at A
  fd addr=A                              Always EAGAIN
  settle [waiters=N]                     Wait for waits to finish or queue
  expect thread=T result=R | waiters=N | addr=A value=V | result=R

Session:
  threads                                List scenario threads
  dump                                   Print a JSON snapshot
  save <file>                            Write a JSON snapshot to file
  help                                   Show this help
  quit                                   Leave`)
}

func completeWord(line string) []string {
	if strings.Contains(line, " ") {
		return nil
	}

	var out []string

	for _, w := range replWords {
		if strings.HasPrefix(w, strings.ToLower(line)) {
			out = append(out, w)
		}
	}

	slices.Sort(out)

	return out
}

// historyFile returns the path to the history file, or "" without a home.
func historyFile(vars map[string]string) string {
	home := vars["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".futexsim_history")
}

func saveHistory(state *liner.State, path string) {
	f, err := os.Create(path) //nolint:gosec // history path is derived from HOME
	if err != nil {
		return
	}

	_, _ = state.WriteHistory(f)
	_ = f.Close()
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}

	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)

	return err == nil
}
