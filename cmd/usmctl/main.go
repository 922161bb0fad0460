// Command usmctl inspects the unified shared memory layer: the settings a process would run
// with, the state of a simulated driver and the IPC socket of a live exporter.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/levelzero/usm/config"
	"golang.org/x/exp/slog"
)

var configPath = flag.String("config", "", "settings file to load, TOML or YAML")

// environment is handed to every command as its first argument
type environment struct {
	logger   *slog.Logger
	settings config.Settings
}

func fatalf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&settingsCmd{}, "")
	subcommands.Register(&statsCmd{}, "")
	subcommands.Register(&fetchCmd{}, "")

	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "usmctl: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}

	env := &environment{
		logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: settings.Level()})),
		settings: settings,
	}

	os.Exit(int(subcommands.Execute(context.Background(), env)))
}
