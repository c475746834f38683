// Package metrics exposes store events as prometheus collectors. The CLI is
// short-lived, so the registry is written to a node_exporter textfile after
// each command rather than served over HTTP.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"msgstore/internal/msg"
)

const namespace = "msgstore"

// Collector implements msg.Metrics on a private prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	lockWait     *prometheus.HistogramVec
	commits      *prometheus.CounterVec
	mirrorFails  prometheus.Counter
	sanityFails  prometheus.Counter
	peekCache    *prometheus.CounterVec
	submitted    *prometheus.CounterVec
	archiveBytes *prometheus.CounterVec
}

// New creates a Collector with all collectors registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for collection locks by outcome",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"outcome"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Committed collection writes by backend",
		}, []string{"backend"}),
		mirrorFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_failures_total",
			Help:      "Mirror writes that failed after the primary write succeeded",
		}),
		sanityFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sanity_check_failures_total",
			Help:      "Writes aborted because the collection was below the watermark",
		}),
		peekCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peek_cache",
			Name:      "lookups_total",
			Help:      "Unlocked read cache lookups by result",
		}, []string{"result"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_submitted_total",
			Help:      "Messages appended by category",
		}, []string{"category"}),
		archiveBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_bytes_total",
			Help:      "Encrypted archive bytes stored by category",
		}, []string{"category"}),
	}
	c.registry.MustRegister(c.lockWait, c.commits, c.mirrorFails, c.sanityFails,
		c.peekCache, c.submitted, c.archiveBytes)
	return c
}

// Registry returns the registry holding the collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) LockAcquired(wait time.Duration) {
	c.lockWait.WithLabelValues("acquired").Observe(wait.Seconds())
}

func (c *Collector) LockTimedOut(wait time.Duration) {
	c.lockWait.WithLabelValues("timeout").Observe(wait.Seconds())
}

func (c *Collector) Committed(backend string) { c.commits.WithLabelValues(backend).Inc() }
func (c *Collector) MirrorFailed()            { c.mirrorFails.Inc() }
func (c *Collector) SanityCheckFailed()       { c.sanityFails.Inc() }

func (c *Collector) PeekCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.peekCache.WithLabelValues(result).Inc()
}

func (c *Collector) Submitted(cat msg.Category) { c.submitted.WithLabelValues(string(cat)).Inc() }

func (c *Collector) Archived(cat msg.Category, bytes int64) {
	c.archiveBytes.WithLabelValues(string(cat)).Add(float64(bytes))
}

// WriteTextfile writes the registry in the text exposition format. An empty
// path disables the export.
func (c *Collector) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

var _ msg.Metrics = (*Collector)(nil)
