// Package stats provides methods and functionality to register, track, log,
// and export metrics of the evacuation manager and agents.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"net/http"
	"strconv"
	"strings"
	ratomic "sync/atomic"
	"time"

	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/nlog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "evac"

const LogInterval = time.Minute

type (
	// Mgr: manager metrics. All methods are nil-safe (tests run without metrics).
	Mgr struct {
		reg           *prometheus.Registry
		jobs          *prometheus.GaugeVec
		objects       *prometheus.CounterVec
		assignments   *prometheus.CounterVec
		mdConcurrency *prometheus.GaugeVec
		bytesAssigned prometheus.Counter
		mdLatency     prometheus.Histogram
		// local mirrors for the periodic log line
		cnt struct {
			complete, skipped, errors ratomic.Int64
			asgns, bytes              ratomic.Int64
		}
	}

	// Agent: agent metrics, nil-safe as well.
	Agent struct {
		reg      *prometheus.Registry
		tasks    *prometheus.CounterVec
		bytes    prometheus.Counter
		download prometheus.Histogram
		inflight prometheus.Gauge
		pending  prometheus.Gauge
		cnt      struct {
			complete, skipped, failed, bytes ratomic.Int64
		}
	}
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

/////////
// Mgr //
/////////

func NewMgr() *Mgr {
	m := &Mgr{reg: newRegistry()}
	m.jobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "jobs", Help: "number of evacuation jobs by state",
	}, []string{"state"})
	m.objects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "objects_total", Help: "objects reaching a terminal status, by reason",
	}, []string{"status", "reason"})
	m.assignments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "assignments_total", Help: "assignments reaching a state",
	}, []string{"state"})
	m.mdConcurrency = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "md_update_concurrency", Help: "metadata-update concurrency of running jobs",
	}, []string{"job"})
	m.bytesAssigned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "bytes_assigned_total", Help: "bytes posted to agents",
	})
	m.mdLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "md_update_seconds", Help: "metadata replica-update latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	m.reg.MustRegister(m.jobs, m.objects, m.assignments, m.mdConcurrency, m.bytesAssigned, m.mdLatency)
	return m
}

func (m *Mgr) Handler() http.Handler { return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}) }

func (m *Mgr) JobState(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.jobs.WithLabelValues(from).Dec()
	}
	m.jobs.WithLabelValues(to).Inc()
}

func (m *Mgr) ObjDone(status, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.objects.WithLabelValues(status, reason).Add(float64(n))
	switch status {
	case "complete":
		m.cnt.complete.Add(int64(n))
	case "skipped":
		m.cnt.skipped.Add(int64(n))
	default:
		m.cnt.errors.Add(int64(n))
	}
}

func (m *Mgr) Asgn(state string, bytes int64) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(state).Inc()
	if bytes > 0 {
		m.bytesAssigned.Add(float64(bytes))
		m.cnt.bytes.Add(bytes)
		m.cnt.asgns.Add(1)
	}
}

func (m *Mgr) MdConcurrency(jobID string, n int) {
	if m == nil {
		return
	}
	if n <= 0 {
		m.mdConcurrency.DeleteLabelValues(jobID)
		return
	}
	m.mdConcurrency.WithLabelValues(jobID).Set(float64(n))
}

func (m *Mgr) MdLatency(d time.Duration) {
	if m != nil {
		m.mdLatency.Observe(d.Seconds())
	}
}

// Log is a housekeeping callback.
func (m *Mgr) Log(int64) time.Duration {
	var sb strings.Builder
	sb.WriteString("objects: complete ")
	sb.WriteString(itoa(m.cnt.complete.Load()))
	sb.WriteString(", skipped ")
	sb.WriteString(itoa(m.cnt.skipped.Load()))
	sb.WriteString(", errors ")
	sb.WriteString(itoa(m.cnt.errors.Load()))
	sb.WriteString("; assignments ")
	sb.WriteString(itoa(m.cnt.asgns.Load()))
	sb.WriteString(" (")
	sb.WriteString(cos.ToSizeIEC(m.cnt.bytes.Load()))
	sb.WriteByte(')')
	nlog.Infoln(sb.String())
	return LogInterval
}

///////////
// Agent //
///////////

func NewAgent() *Agent {
	a := &Agent{reg: newRegistry()}
	a.tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "agent", Name: "tasks_total", Help: "transfer tasks by result",
	}, []string{"result"})
	a.bytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "agent", Name: "bytes_total", Help: "verified bytes written",
	})
	a.download = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "agent", Name: "download_seconds", Help: "download and verify latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	})
	a.inflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "agent", Name: "inflight", Help: "downloads in progress",
	})
	a.pending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "agent", Name: "pending_assignments", Help: "assignments not yet acknowledged",
	})
	a.reg.MustRegister(a.tasks, a.bytes, a.download, a.inflight, a.pending)
	return a
}

func (a *Agent) Handler() http.Handler { return promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}) }

func (a *Agent) TaskDone(result string, size int64, took time.Duration) {
	if a == nil {
		return
	}
	a.tasks.WithLabelValues(result).Inc()
	switch result {
	case "complete":
		a.cnt.complete.Add(1)
		a.cnt.bytes.Add(size)
		a.bytes.Add(float64(size))
		a.download.Observe(took.Seconds())
	case "skipped":
		a.cnt.skipped.Add(1)
	default:
		a.cnt.failed.Add(1)
	}
}

func (a *Agent) Inflight(delta int) {
	if a != nil {
		a.inflight.Add(float64(delta))
	}
}

func (a *Agent) Pending(n int) {
	if a != nil {
		a.pending.Set(float64(n))
	}
}

func (a *Agent) Log(int64) time.Duration {
	nlog.Infoln("tasks: complete", a.cnt.complete.Load(), "skipped", a.cnt.skipped.Load(),
		"failed", a.cnt.failed.Load(), "written", cos.ToSizeIEC(a.cnt.bytes.Load()))
	return LogInterval
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
