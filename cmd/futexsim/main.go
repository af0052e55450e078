// Package main provides futexsim, a futex wait-queue simulator.
//
// SIGINT and SIGTERM cancel the context of the running command.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/calvinalkan/kfutex/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	sigCh := make(chan os.Signal, 1)

	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, lookupVars("HOME", "XDG_CONFIG_HOME"), sigCh)
}

// lookupVars returns the named environment variables that are set. Config
// discovery and the repl history file only read these.
func lookupVars(names ...string) map[string]string {
	vars := make(map[string]string, len(names))

	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			vars[name] = v
		}
	}

	return vars
}
