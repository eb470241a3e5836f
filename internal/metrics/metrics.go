// Package metrics exposes engine state and failure counters to prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
)

// Snapshot is one reading of the engine gauges.
type Snapshot struct {
	Branches      int
	Snapshots     int
	OpenHandles   int
	Nodes         int
	Orphans       int
	Blocks        int
	ResidentBytes int64
	MemoryBudget  int64
	SpillBytes    int64
	Spills        uint64
	PageIns       uint64
}

// Controller owns the registry of one engine instance.
type Controller struct {
	registry *prometheus.Registry

	invariants      prometheus.Counter
	controlRequests *prometheus.CounterVec

	branches      prometheus.Gauge
	snapshots     prometheus.Gauge
	openHandles   prometheus.Gauge
	nodes         prometheus.Gauge
	orphans       prometheus.Gauge
	blocks        prometheus.Gauge
	residentBytes prometheus.Gauge
	memoryBudget  prometheus.Gauge
	spillBytes    prometheus.Gauge
	spills        prometheus.Gauge
	pageIns       prometheus.Gauge
}

func New() *Controller {
	reg := prometheus.NewRegistry()

	// shorthand for new'ing and registering
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	c := &Controller{
		registry: reg,
		invariants: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentfs_invariant_violations_total",
			Help: "Internal invariant violations detected by the engine",
		}),
		controlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfs_control_requests_total",
			Help: "Control-plane requests by verb and result code",
		}, []string{"op", "code"}),

		branches:      gauge("agentfs_branches", "Live branches"),
		snapshots:     gauge("agentfs_snapshots", "Live snapshots"),
		openHandles:   gauge("agentfs_open_handles", "Open handles across all branches"),
		nodes:         gauge("agentfs_nodes", "Nodes reachable from branch roots"),
		orphans:       gauge("agentfs_orphans", "Nodes pending deletion"),
		blocks:        gauge("agentfs_blocks", "Live data blocks"),
		residentBytes: gauge("agentfs_resident_bytes", "Block bytes held in memory"),
		memoryBudget:  gauge("agentfs_memory_budget_bytes", "Configured memory budget"),
		spillBytes:    gauge("agentfs_spill_bytes", "Bytes stored in the spill backend"),
		spills:        gauge("agentfs_spills", "Blocks migrated to spill since start"),
		pageIns:       gauge("agentfs_page_ins", "Spilled blocks read back since start"),
	}
	reg.MustRegister(c.invariants)
	reg.MustRegister(c.controlRequests)
	return c
}

// Registry is exposed for tests and additional collectors.
func (c *Controller) Registry() *prometheus.Registry { return c.registry }

// Invariant counts an internal invariant violation. The violation itself is
// logged by the component that detected it.
func (c *Controller) Invariant(err error) {
	c.invariants.Inc()
}

// ControlRequest counts one control-plane request.
func (c *Controller) ControlRequest(op string, err error) {
	c.controlRequests.With(prometheus.Labels{
		"op":   op,
		"code": codeLabel(err),
	}).Inc()
}

func codeLabel(err error) string {
	if err == nil {
		return "OK"
	}
	return string(common.CodeOf(err))
}

// Observe sets every gauge from one reading.
func (c *Controller) Observe(s Snapshot) {
	c.branches.Set(float64(s.Branches))
	c.snapshots.Set(float64(s.Snapshots))
	c.openHandles.Set(float64(s.OpenHandles))
	c.nodes.Set(float64(s.Nodes))
	c.orphans.Set(float64(s.Orphans))
	c.blocks.Set(float64(s.Blocks))
	c.residentBytes.Set(float64(s.ResidentBytes))
	c.memoryBudget.Set(float64(s.MemoryBudget))
	c.spillBytes.Set(float64(s.SpillBytes))
	c.spills.Set(float64(s.Spills))
	c.pageIns.Set(float64(s.PageIns))
}

// Task refreshes the gauges from read at interval until ctx is done.
func (c *Controller) Task(interval time.Duration, read func() Snapshot) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.Observe(read())
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				c.Observe(read())
			}
		}
	}
}

func (c *Controller) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint until ctx is done.
func (c *Controller) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.HTTPHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("[Metrics] serving on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
