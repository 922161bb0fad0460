package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/hashicorp/go-multierror"
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/driver"
	"github.com/levelzero/usm/l0"
	"github.com/levelzero/usm/metrics"
	"github.com/levelzero/usm/osiface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// statsCmd runs a workload against a simulated driver and prints the resulting memory state
type statsCmd struct {
	rootDevices int
	subDevices  int
	hostSize    uint64
	deviceSize  uint64
	sharedSize  uint64
	count       int
	free        bool
	detailed    bool
	prometheus  bool
}

func (*statsCmd) Name() string     { return "stats" }
func (*statsCmd) Synopsis() string { return "allocate on a simulated driver and print its statistics" }
func (*statsCmd) Usage() string {
	return `stats [flags]

Creates a simulated driver, makes -count allocations of each requested kind through a context
spanning every root device and prints the statistics of the driver.
`
}

func (c *statsCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.rootDevices, "root-devices", 1, "number of simulated root devices")
	f.IntVar(&c.subDevices, "sub-devices", 0, "number of sub-devices on every root device")
	f.Uint64Var(&c.hostSize, "host", 0, "size of each host allocation, 0 skips host allocations")
	f.Uint64Var(&c.deviceSize, "device", 64<<10, "size of each device allocation, 0 skips device allocations")
	f.Uint64Var(&c.sharedSize, "shared", 0, "size of each shared allocation, 0 skips shared allocations")
	f.IntVar(&c.count, "count", 1, "number of allocations of each kind")
	f.BoolVar(&c.free, "free", false, "free every allocation before printing")
	f.BoolVar(&c.detailed, "detailed", false, "include per-heap range details")
	f.BoolVar(&c.prometheus, "prometheus", false, "print Prometheus metrics instead of JSON")
}

func (c *statsCmd) allocate(ctx *l0.Context) ([]uint64, error) {
	var ptrs []uint64
	dev := ctx.Devices()[0]

	for i := 0; i < c.count; i++ {
		if c.hostSize > 0 {
			ptr, err := ctx.AllocHostMem(l0.HostMemAllocDesc{}, c.hostSize, 0)
			if err != nil {
				return ptrs, err
			}
			ptrs = append(ptrs, ptr)
		}
		if c.deviceSize > 0 {
			ptr, err := ctx.AllocDeviceMem(l0.DeviceMemAllocDesc{}, c.deviceSize, 0, dev)
			if err != nil {
				return ptrs, err
			}
			ptrs = append(ptrs, ptr)
		}
		if c.sharedSize > 0 {
			ptr, err := ctx.AllocSharedMem(l0.DeviceMemAllocDesc{}, l0.HostMemAllocDesc{}, c.sharedSize, 0, dev)
			if err != nil {
				return ptrs, err
			}
			ptrs = append(ptrs, ptr)
		}
	}

	return ptrs, nil
}

func (c *statsCmd) writeMetrics(drv *driver.Driver) error {
	registry := prometheus.NewRegistry()
	err := registry.Register(metrics.NewCollector(drv.Logger(), drv))
	if err != nil {
		return err
	}

	families, err := registry.Gather()
	if err != nil {
		return err
	}
	for _, family := range families {
		_, err = expfmt.MetricFamilyToText(os.Stdout, family)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *statsCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	env := args[0].(*environment)
	if c.rootDevices < 1 || c.count < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	devices := make([]device.CreateOptions, c.rootDevices)
	for i := range devices {
		devices[i] = device.CreateOptions{
			RootDeviceIndex: uint32(i),
			NumSubDevices:   c.subDevices,
			ImplicitScaling: env.settings.EnableImplicitScaling,
			Capabilities: device.Capabilities{
				MaxMemAllocSize: 4 << 30,
				GlobalMemSize:   16 << 30,
				PitchAlignment:  64,
				MaxImagePitch2D: 1 << 20,
				DeviceAtomics:   true,
				HostAtomics:     true,
			},
		}
	}

	drv, err := driver.New(env.logger, driver.CreateOptions{
		Settings:       env.settings,
		Primitive:      osiface.NewSimulated(osiface.HandleKindFd),
		Devices:        devices,
		HostMemorySize: driver.DefaultHostMemorySize,
	})
	if err != nil {
		return fatalf("failed to create driver: %v", err)
	}

	ctx, err := l0.NewContext(env.logger, drv, l0.ContextCreateOptions{})
	if err != nil {
		return fatalf("failed to create context: %v", err)
	}

	ptrs, err := c.allocate(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "allocation %d failed: %v\n", len(ptrs), err)
	}

	if c.free {
		var freeErr *multierror.Error
		for _, ptr := range ptrs {
			freeErr = multierror.Append(freeErr, ctx.FreeMem(ptr))
		}
		if freeErr.ErrorOrNil() != nil {
			fmt.Fprintf(os.Stderr, "free failed: %v\n", freeErr)
		}
	}

	if c.prometheus {
		err = c.writeMetrics(drv)
		if err != nil {
			return fatalf("failed to write metrics: %v", err)
		}
	} else {
		fmt.Println(drv.BuildStatsString(c.detailed))
	}

	err = ctx.Destroy()
	if err == nil {
		err = drv.Destroy()
	}
	if err != nil {
		return fatalf("failed to tear down: %v", err)
	}

	return subcommands.ExitSuccess
}
