package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/kfutex/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(env *Env) *Command {
	flags := flag.NewFlagSet("print-config", flag.ContinueOnError)
	asJSON := flags.Bool("json", false, "Print the config as JSON, ready to save as a config file")

	return &Command{
		Flags: flags,
		Usage: "print-config [--json]",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			if *asJSON {
				formatted, err := config.Format(env.Config)
				if err != nil {
					return err
				}

				o.Println(formatted)

				return nil
			}

			return execPrintConfig(o, env)
		},
	}
}

func execPrintConfig(o *IO, env *Env) error {
	cfg := env.Config

	o.Println("effective_cwd=" + env.WorkDir)
	o.Printf("buckets=%d\n", cfg.Buckets)
	o.Printf("page_size=%d\n", cfg.PageSize)
	o.Printf("frames=%d\n", cfg.Frames)
	o.Printf("shared_keys=%t\n", cfg.SharedKeys)
	o.Println("log_level=" + cfg.LogLevel)

	o.Println("")
	o.Println("# sources")

	if env.Sources.Global == "" && env.Sources.Project == "" {
		o.Println("(defaults only)")
	} else {
		if env.Sources.Global != "" {
			o.Println("global_config=" + env.Sources.Global)
		}

		if env.Sources.Project != "" {
			o.Println("project_config=" + env.Sources.Project)
		}
	}

	return nil
}
