// Package metrics exports the memory state of a driver as Prometheus metrics
package metrics

import (
	"strconv"
	"strings"

	"github.com/levelzero/usm/driver"
	"github.com/levelzero/usm/memutils"
	"github.com/levelzero/usm/ze"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slog"
)

const (
	descAllocations = iota
	descAllocatedBytes
	descDeferredAllocations
	descDeferredFreeRequests
	descPoolBytes
	descPoolAllocations
	descHeapBytes
	descHeapAllocations
	descGraphicsAllocations
	descReservations
	descIpcHandles
	descPeerAllocations
)

var descriptors = []*prometheus.Desc{
	descAllocations: prometheus.NewDesc(
		"usm_allocations",
		"Number of live USM allocations.",
		[]string{"kind"},
		nil,
	),
	descAllocatedBytes: prometheus.NewDesc(
		"usm_allocated_bytes",
		"Bytes requested by live USM allocations.",
		nil,
		nil,
	),
	descDeferredAllocations: prometheus.NewDesc(
		"usm_deferred_allocations",
		"Number of freed allocations waiting for the GPU to release them.",
		nil,
		nil,
	),
	descDeferredFreeRequests: prometheus.NewDesc(
		"usm_deferred_free_requests_total",
		"Number of frees made with the defer policy.",
		nil,
		nil,
	),
	descPoolBytes: prometheus.NewDesc(
		"usm_pool_bytes",
		"Size of a USM allocation pool.",
		[]string{"kind", "root_device", "state"},
		nil,
	),
	descPoolAllocations: prometheus.NewDesc(
		"usm_pool_allocations",
		"Number of allocations placed in a USM allocation pool.",
		[]string{"kind", "root_device"},
		nil,
	),
	descHeapBytes: prometheus.NewDesc(
		"usm_heap_bytes",
		"Size of a GPU virtual address heap.",
		[]string{"heap", "root_device", "state"},
		nil,
	),
	descHeapAllocations: prometheus.NewDesc(
		"usm_heap_allocations",
		"Number of ranges allocated from a GPU virtual address heap.",
		[]string{"heap", "root_device"},
		nil,
	),
	descGraphicsAllocations: prometheus.NewDesc(
		"usm_graphics_allocations",
		"Number of live graphics allocations.",
		[]string{"origin"},
		nil,
	),
	descReservations: prometheus.NewDesc(
		"usm_virtual_reservations",
		"Number of virtual address reservations.",
		nil,
		nil,
	),
	descIpcHandles: prometheus.NewDesc(
		"usm_ipc_handles",
		"Number of exported IPC handles being tracked.",
		nil,
		nil,
	),
	descPeerAllocations: prometheus.NewDesc(
		"usm_peer_allocations",
		"Number of peer mirrors of device allocations.",
		nil,
		nil,
	),
}

// StatisticsSource is anything that can snapshot driver statistics
type StatisticsSource interface {
	Statistics() driver.Statistics
}

// Collector is a prometheus.Collector over a StatisticsSource. Every scrape takes a fresh
// snapshot.
type Collector struct {
	logger *slog.Logger
	source StatisticsSource
}

var _ prometheus.Collector = &Collector{}

func NewCollector(logger *slog.Logger, source StatisticsSource) *Collector {
	return &Collector{logger: logger, source: source}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range descriptors {
		ch <- desc
	}
}

func gauge(desc int, value float64, labels ...string) prometheus.Metric {
	return prometheus.MustNewConstMetric(descriptors[desc], prometheus.GaugeValue, value, labels...)
}

func kindLabel(kind ze.MemoryType) string {
	return strings.ToLower(strings.TrimPrefix(kind.String(), "MEMORY_TYPE_"))
}

func rootDeviceLabel(index int) string {
	if index < 0 {
		return "all"
	}
	return strconv.Itoa(index)
}

func rangeMetrics(bytesDesc, countDesc int, stats *memutils.DetailedStatistics, labels ...string) []prometheus.Metric {
	used := append(append([]string{}, labels...), "used")
	free := append(append([]string{}, labels...), "free")

	return []prometheus.Metric{
		gauge(bytesDesc, float64(stats.AllocationBytes), used...),
		gauge(bytesDesc, float64(stats.UnusedBytes()), free...),
		gauge(countDesc, float64(stats.AllocationCount), labels...),
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Statistics()

	var metrics []prometheus.Metric
	metrics = append(metrics,
		gauge(descAllocations, float64(stats.USM.HostAllocations), kindLabel(ze.MemoryTypeHost)),
		gauge(descAllocations, float64(stats.USM.DeviceAllocations), kindLabel(ze.MemoryTypeDevice)),
		gauge(descAllocations, float64(stats.USM.SharedAllocations), kindLabel(ze.MemoryTypeShared)),
		gauge(descAllocations, float64(stats.USM.ImportedAllocations), "imported"),
		gauge(descAllocatedBytes, float64(stats.USM.AllocatedBytes)),
		gauge(descDeferredAllocations, float64(stats.USM.DeferredAllocations)),
		prometheus.MustNewConstMetric(
			descriptors[descDeferredFreeRequests],
			prometheus.CounterValue,
			float64(stats.USM.DeferredFreeRequests),
		),
		gauge(descGraphicsAllocations, float64(stats.Memory.LiveAllocations-stats.Memory.ImportedAllocations), "local"),
		gauge(descGraphicsAllocations, float64(stats.Memory.ImportedAllocations), "imported"),
		gauge(descReservations, float64(stats.Memory.Reservations)),
		gauge(descIpcHandles, float64(stats.IpcHandles)),
		gauge(descPeerAllocations, float64(stats.PeerAllocations)),
	)

	for i := range stats.USM.Pools {
		pool := &stats.USM.Pools[i]
		rootDevice := int(pool.RootDeviceIndex)
		if pool.Kind == ze.MemoryTypeHost {
			rootDevice = -1
		}
		metrics = append(metrics, rangeMetrics(descPoolBytes, descPoolAllocations, &pool.Statistics,
			kindLabel(pool.Kind), rootDeviceLabel(rootDevice))...)
	}

	for i := range stats.Memory.Heaps {
		heap := &stats.Memory.Heaps[i]
		metrics = append(metrics, rangeMetrics(descHeapBytes, descHeapAllocations, &heap.Statistics,
			heap.Name, rootDeviceLabel(heap.RootDeviceIndex))...)
	}

	for _, metric := range metrics {
		ch <- metric
	}

	c.logger.Debug("metrics::Collector::Collect", slog.Int("metrics", len(metrics)))
}
