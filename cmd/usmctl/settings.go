package main

import (
	"context"
	"flag"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"sigs.k8s.io/yaml"
)

// settingsCmd prints the effective settings after the config file and environment are applied
type settingsCmd struct {
	format string
}

func (*settingsCmd) Name() string     { return "settings" }
func (*settingsCmd) Synopsis() string { return "print the effective settings" }
func (*settingsCmd) Usage() string {
	return `settings [-format yaml|toml]
`
}

func (c *settingsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.format, "format", "yaml", "output format, yaml or toml")
}

func (c *settingsCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	env := args[0].(*environment)

	switch c.format {
	case "toml":
		err := toml.NewEncoder(os.Stdout).Encode(env.settings)
		if err != nil {
			return fatalf("failed to encode settings: %v", err)
		}
	case "yaml":
		out, err := yaml.Marshal(env.settings)
		if err != nil {
			return fatalf("failed to encode settings: %v", err)
		}
		os.Stdout.Write(out)
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}

	return subcommands.ExitSuccess
}
