package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromRecorder exports events and resource samples as Prometheus metrics,
// for long-running fleet builds scraped by an external collector.
type PromRecorder struct {
	events  *prometheus.CounterVec
	cpuUser prometheus.Gauge
	cpuSys  prometheus.Gauge
	memUsed prometheus.Gauge
	disk    prometheus.Gauge
	load1   prometheus.Gauge
}

func NewPromRecorder(reg prometheus.Registerer) *PromRecorder {
	r := &PromRecorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orquestrator_events_total",
			Help: "Orchestrator events by level.",
		}, []string{"level"}),
		cpuUser: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orquestrator_cpu_user_pct",
			Help: "User CPU percentage over the last sample interval.",
		}),
		cpuSys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orquestrator_cpu_system_pct",
			Help: "System CPU percentage over the last sample interval.",
		}),
		memUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orquestrator_mem_used_bytes",
			Help: "Memory in use on the build host.",
		}),
		disk: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orquestrator_disk_used_bytes",
			Help: "Disk usage of the filesystem holding the orchestrator root.",
		}),
		load1: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orquestrator_load1",
			Help: "1-minute load average.",
		}),
	}
	reg.MustRegister(r.events, r.cpuUser, r.cpuSys, r.memUsed, r.disk, r.load1)
	return r
}

func (r *PromRecorder) Event(ev Event) {
	level := ev.Level
	if level == "" {
		level = "info"
	}
	r.events.WithLabelValues(level).Inc()
}

func (r *PromRecorder) Sample(s Sample) {
	r.cpuUser.Set(s.CPUUserPct)
	r.cpuSys.Set(s.CPUSystemPct)
	r.memUsed.Set(float64(s.MemUsed))
	r.disk.Set(float64(s.DiskUsed))
	r.load1.Set(s.Load1)
}
