// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"
)

// hostSource reads host figures. Tests swap it for a fake.
type hostSource struct {
	cpuPercent func() ([]float64, error)
	memory     func() (*mem.VirtualMemoryStat, error)
	loadAvg    func() (*load.AvgStat, error)
	interfaces func() ([]net.IOCountersStat, error)
}

var gopsutilSource = hostSource{
	cpuPercent: func() ([]float64, error) { return cpu.Percent(0, false) },
	memory:     mem.VirtualMemory,
	loadAvg:    load.Avg,
	interfaces: func() ([]net.IOCountersStat, error) { return net.IOCounters(true) },
}

// HostCollector reports the sensor host's load and the kernel counters of
// the capture interfaces at scrape time. Interface drops next to the
// capture packet count show whether the sensor keeps up.
type HostCollector struct {
	src    hostSource
	ifaces map[string]bool
	logger *zap.Logger

	cpuUtil   *prometheus.Desc
	memUsed   *prometheus.Desc
	memTotal  *prometheus.Desc
	load1     *prometheus.Desc
	ifBytes   *prometheus.Desc
	ifPackets *prometheus.Desc
	ifDrops   *prometheus.Desc
	ifErrors  *prometheus.Desc
}

// NewHostCollector creates a host collector. An empty interface list
// reports every interface.
func NewHostCollector(interfaces []string, logger *zap.Logger) *HostCollector {
	return newHostCollector(gopsutilSource, interfaces, logger)
}

func newHostCollector(src hostSource, interfaces []string, logger *zap.Logger) *HostCollector {
	ifaces := make(map[string]bool, len(interfaces))
	for _, name := range interfaces {
		ifaces[name] = true
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "host", name), help, labels, nil)
	}
	return &HostCollector{
		src:       src,
		ifaces:    ifaces,
		logger:    logger,
		cpuUtil:   desc("cpu_utilization_ratio", "Host CPU utilization (0-1)"),
		memUsed:   desc("memory_used_bytes", "Host memory in use"),
		memTotal:  desc("memory_total_bytes", "Host memory installed"),
		load1:     desc("load1_per_cpu", "1-minute load average per logical CPU"),
		ifBytes:   desc("interface_receive_bytes_total", "Bytes received on the interface", "interface"),
		ifPackets: desc("interface_receive_packets_total", "Packets received on the interface", "interface"),
		ifDrops:   desc("interface_receive_drops_total", "Inbound packets dropped by the kernel", "interface"),
		ifErrors:  desc("interface_receive_errors_total", "Inbound receive errors", "interface"),
	}
}

// Describe implements prometheus.Collector.
func (c *HostCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.cpuUtil, c.memUsed, c.memTotal, c.load1,
		c.ifBytes, c.ifPackets, c.ifDrops, c.ifErrors,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector. Figures that cannot be read
// are left out of the scrape.
func (c *HostCollector) Collect(ch chan<- prometheus.Metric) {
	if pct, err := c.src.cpuPercent(); err == nil && len(pct) > 0 {
		ch <- prometheus.MustNewConstMetric(c.cpuUtil, prometheus.GaugeValue, pct[0]/100)
	} else if err != nil {
		c.logger.Debug("cpu metrics error", zap.Error(err))
	}

	if v, err := c.src.memory(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.memUsed, prometheus.GaugeValue, float64(v.Used))
		ch <- prometheus.MustNewConstMetric(c.memTotal, prometheus.GaugeValue, float64(v.Total))
	} else {
		c.logger.Debug("memory metrics error", zap.Error(err))
	}

	if avg, err := c.src.loadAvg(); err == nil {
		if n := float64(runtime.NumCPU()); n > 0 {
			ch <- prometheus.MustNewConstMetric(c.load1, prometheus.GaugeValue, avg.Load1/n)
		}
	} else {
		c.logger.Debug("load average error", zap.Error(err))
	}

	counters, err := c.src.interfaces()
	if err != nil {
		c.logger.Debug("network metrics error", zap.Error(err))
		return
	}
	for _, iface := range counters {
		if len(c.ifaces) > 0 && !c.ifaces[iface.Name] {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.ifBytes, prometheus.CounterValue, float64(iface.BytesRecv), iface.Name)
		ch <- prometheus.MustNewConstMetric(c.ifPackets, prometheus.CounterValue, float64(iface.PacketsRecv), iface.Name)
		ch <- prometheus.MustNewConstMetric(c.ifDrops, prometheus.CounterValue, float64(iface.Dropin), iface.Name)
		ch <- prometheus.MustNewConstMetric(c.ifErrors, prometheus.CounterValue, float64(iface.Errin), iface.Name)
	}
}

// RegisterHost adds host and capture interface figures to the registry.
func (m *Inspection) RegisterHost(interfaces []string, logger *zap.Logger) error {
	return m.reg.Register(NewHostCollector(interfaces, logger))
}
