package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"
)

// DiskCollector reads filesystem usage at scrape time.
type DiskCollector struct {
	path  string
	total *prometheus.Desc
	used  *prometheus.Desc
	free  *prometheus.Desc
}

func NewDiskCollector(path string) *DiskCollector {
	labels := prometheus.Labels{"path": path}
	return &DiskCollector{
		path:  path,
		total: prometheus.NewDesc("storagenode_storage_capacity_bytes", "Total bytes of the storage filesystem", nil, labels),
		used:  prometheus.NewDesc("storagenode_storage_used_bytes", "Used bytes of the storage filesystem", nil, labels),
		free:  prometheus.NewDesc("storagenode_storage_free_bytes", "Free bytes of the storage filesystem", nil, labels),
	}
}

func (c *DiskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.used
	ch <- c.free
}

// Collect skips the sample when usage cannot be read.
func (c *DiskCollector) Collect(ch chan<- prometheus.Metric) {
	usage, err := disk.Usage(c.path)
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(usage.Total))
	ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue, float64(usage.Used))
	ch <- prometheus.MustNewConstMetric(c.free, prometheus.GaugeValue, float64(usage.Free))
}
