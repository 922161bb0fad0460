package driver

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/memutils"
	"github.com/levelzero/usm/svm"
)

// Statistics is a snapshot of the driver's memory state
type Statistics struct {
	Memory graphics.Statistics
	USM    svm.Statistics

	IpcHandles      int
	PeerAllocations int
}

func (d *Driver) Statistics() Statistics {
	stats := Statistics{
		Memory:     d.mm.Statistics(),
		USM:        d.svm.Statistics(),
		IpcHandles: d.ipcTable.Len(),
	}

	d.forEachDevice(func(dev *device.Device) {
		stats.PeerAllocations += dev.Peers().Len() + dev.ImagePeers().Len()
	})

	return stats
}

func writeDetailed(json *jwriter.ObjectState, stats *memutils.DetailedStatistics, detailed bool) {
	stats.Statistics.WriteJSON(json)
	if !detailed {
		return
	}

	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// BuildStatsString renders Statistics as JSON. detailed adds the size extremes of every heap and
// pool.
func (d *Driver) BuildStatsString(detailed bool) string {
	stats := d.Statistics()

	writer := jwriter.NewWriter()
	root := writer.Object()

	usm := root.Name("Usm").Object()
	usm.Name("HostAllocations").Int(stats.USM.HostAllocations)
	usm.Name("DeviceAllocations").Int(stats.USM.DeviceAllocations)
	usm.Name("SharedAllocations").Int(stats.USM.SharedAllocations)
	usm.Name("ImportedAllocations").Int(stats.USM.ImportedAllocations)
	usm.Name("AllocatedBytes").Float64(float64(stats.USM.AllocatedBytes))
	usm.Name("DeferredAllocations").Int(stats.USM.DeferredAllocations)
	usm.Name("DeferredFreeRequests").Float64(float64(stats.USM.DeferredFreeRequests))

	pools := usm.Name("Pools").Array()
	for i := range stats.USM.Pools {
		pool := &stats.USM.Pools[i]
		obj := pools.Object()
		obj.Name("Kind").String(pool.Kind.String())
		obj.Name("RootDeviceIndex").Int(int(pool.RootDeviceIndex))
		writeDetailed(&obj, &pool.Statistics, detailed)
		obj.End()
	}
	pools.End()
	usm.End()

	memory := root.Name("Memory").Object()
	memory.Name("LiveAllocations").Int(stats.Memory.LiveAllocations)
	memory.Name("ImportedAllocations").Int(stats.Memory.ImportedAllocations)
	memory.Name("Reservations").Int(stats.Memory.Reservations)

	heaps := memory.Name("Heaps").Array()
	for i := range stats.Memory.Heaps {
		heap := &stats.Memory.Heaps[i]
		obj := heaps.Object()
		obj.Name("Name").String(heap.Name)
		obj.Name("RootDeviceIndex").Int(heap.RootDeviceIndex)
		obj.Name("Base").Float64(float64(heap.Base))
		writeDetailed(&obj, &heap.Statistics, detailed)
		obj.End()
	}
	heaps.End()
	memory.End()

	root.Name("IpcHandles").Int(stats.IpcHandles)
	root.Name("PeerAllocations").Int(stats.PeerAllocations)
	root.End()

	return string(writer.Bytes())
}
