package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"github.com/levelzero/usm/ipc"
	"github.com/levelzero/usm/osiface"
)

// fetchCmd checks that an exporter's socket server hands out the descriptors behind its handles
type fetchCmd struct {
	dir string
	pid int
}

func (*fetchCmd) Name() string     { return "fetch" }
func (*fetchCmd) Synopsis() string { return "fetch exported handles from a process's IPC socket" }
func (*fetchCmd) Usage() string {
	return `fetch -pid <exporter pid> [-dir <socket dir>] <handle>...
`
}

func (c *fetchCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.dir, "dir", "", "socket directory, defaults to IpcSocketDir")
	f.IntVar(&c.pid, "pid", 0, "process id of the exporter")
}

func (c *fetchCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	env := args[0].(*environment)
	if c.pid <= 0 || f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	dir := c.dir
	if dir == "" {
		dir = env.settings.IpcSocketDir
	}
	path := ipc.SocketPath(dir, c.pid)

	status := subcommands.ExitSuccess
	for _, arg := range f.Args() {
		handle, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid handle %q: %v\n", arg, err)
			return subcommands.ExitUsageError
		}

		fd, err := ipc.FetchHandle(ctx, path, osiface.Handle(handle), env.settings.IpcSocketTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "handle %d: %v\n", handle, err)
			status = subcommands.ExitFailure
			continue
		}

		fmt.Printf("handle %d: received descriptor %d\n", handle, fd)
		os.NewFile(uintptr(fd), arg).Close()
	}

	return status
}
