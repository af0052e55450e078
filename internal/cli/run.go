package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/kfutex/internal/config"
)

// Env is the resolved environment shared by every command. Commands are
// built before config is loaded and read Env when they execute.
type Env struct {
	WorkDir string
	Config  config.Config
	Sources config.Sources
	Logger  *zap.Logger
	Vars    map[string]string
}

// Path resolves p against the work directory.
func (e *Env) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(e.WorkDir, p)
}

// globalFlags holds values parsed before the command name.
type globalFlags struct {
	set        *flag.FlagSet
	workDir    string
	configPath string
	help       bool

	buckets    int
	pageSize   uint64
	frames     int
	sharedKeys bool
	logLevel   string
}

func newGlobalFlags() *globalFlags {
	g := &globalFlags{set: flag.NewFlagSet("futexsim", flag.ContinueOnError)}

	g.set.SetInterspersed(false)
	g.set.SetOutput(&strings.Builder{})
	g.set.StringVarP(&g.workDir, "cwd", "C", "", "Run as if started in `dir`")
	g.set.StringVarP(&g.configPath, "config", "c", "", "Use specified config `file`")
	g.set.BoolVarP(&g.help, "help", "h", false, "Show help")
	g.set.IntVar(&g.buckets, "buckets", 0, "Hash bucket `count` (prime)")
	g.set.Uint64Var(&g.pageSize, "page-size", 0, "Simulated page size in `bytes`")
	g.set.IntVar(&g.frames, "frames", 0, "Simulated physical memory in `pages`")
	g.set.BoolVar(&g.sharedKeys, "shared-keys", false, "Allow operations without the private flag")
	g.set.StringVar(&g.logLevel, "log-level", "", "Log `level`: debug, info, warn or error")

	return g
}

// overrides returns only the flags given on the command line.
func (g *globalFlags) overrides() config.Overrides {
	var o config.Overrides

	if g.set.Changed("buckets") {
		o.Buckets = &g.buckets
	}

	if g.set.Changed("page-size") {
		o.PageSize = &g.pageSize
	}

	if g.set.Changed("frames") {
		o.Frames = &g.frames
	}

	if g.set.Changed("shared-keys") {
		o.SharedKeys = &g.sharedKeys
	}

	if g.set.Changed("log-level") {
		o.LogLevel = &g.logLevel
	}

	return o
}

// Run is the main entry point. Returns exit code.
//
// A signal on sigCh cancels the running command's context; sigCh may be nil.
func Run(stdin io.Reader, out io.Writer, errOut io.Writer, args []string, vars map[string]string, sigCh <-chan os.Signal) int {
	env := &Env{Vars: vars}
	commands := []*Command{
		RunCmd(env),
		ReplCmd(env),
		StressCmd(),
		PrintConfigCmd(env),
	}

	globals := newGlobalFlags()

	if len(args) > 0 {
		args = args[1:]
	}

	err := globals.set.Parse(args)
	if err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, globals.set, commands)

		return 1
	}

	rest := globals.set.Args()
	if globals.help || len(rest) == 0 {
		printUsage(out, globals.set, commands)

		return 0
	}

	env.WorkDir = globals.workDir
	if env.WorkDir == "" {
		env.WorkDir, err = os.Getwd()
		if err != nil {
			fprintln(errOut, "error: cannot get working directory:", err)

			return 1
		}
	}

	env.Config, env.Sources, err = config.Load(env.WorkDir, globals.configPath, globals.overrides(), vars)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	level, err := env.Config.Level()
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	env.Logger = newLogger(errOut, level)
	defer func() { _ = env.Logger.Sync() }()

	name := rest[0]

	for _, cmd := range commands {
		if cmd.Name() != name {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if sigCh != nil {
			go func() {
				select {
				case sig := <-sigCh:
					env.Logger.Info("signal received, stopping", zap.Stringer("signal", sig))
					cancel()
				case <-ctx.Done():
				}
			}()
		}

		return cmd.Run(ctx, NewIO(stdin, out, errOut), env, rest[1:])
	}

	fprintln(errOut, "error:", fmt.Errorf("%w: %s", ErrUnknownCommand, name))
	fprintln(errOut)
	printUsage(errOut, globals.set, commands)

	return 1
}

// newLogger returns a console logger on w that drops records below level.
func newLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.TimeKey = ""

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(zapcore.AddSync(w)),
		zap.NewAtomicLevelAt(level),
	)

	return zap.New(core)
}

// ErrUnknownCommand is reported for a command name no command matches.
var ErrUnknownCommand = errors.New("unknown command")

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet, commands []*Command) {
	fprintln(w, `futexsim - futex wait-queue simulator

Usage: futexsim [flags] <command> [args]

Global flags:`)
	_, _ = fmt.Fprint(w, globals.FlagUsages())
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}

	fprintln(w)
	fprintln(w, `Run "futexsim <command> --help" for command flags.`)
}
