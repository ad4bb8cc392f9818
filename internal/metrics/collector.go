package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

// OutboxStats contains outbox statistics for metrics
type OutboxStats struct {
	Pending      int64
	Sending      int64
	Deferred     int64
	Delivered    int64
	DeadLetter   int64
	Total        int64
	OldestQueued time.Time
}

// OutboxStatsProvider provides outbox statistics for metrics
type OutboxStatsProvider interface {
	MetricsStats(ctx context.Context) (*OutboxStats, error)
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// persistedCounters maps a snapshot name to the counter vector it restores into
func (m *Metrics) persistedCounters() map[string]*prometheus.CounterVec {
	return map[string]*prometheus.CounterVec{
		"submissions":      m.SubmissionsTotal,
		"subscriptions":    m.SubscriptionsTotal,
		"notifications":    m.NotificationsTotal,
		"outbox_delivered": m.OutboxDeliveredTotal,
		"outbox_deferred":  m.OutboxDeferredTotal,
		"outbox_failed":    m.OutboxFailedTotal,
		"api_requests":     m.APIRequestsTotal,
		"api_errors":       m.APIErrorsTotal,
	}
}

// Collector persists counters across restarts and updates system gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	outboxStats   OutboxStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, outboxStats OutboxStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		outboxStats:   outboxStats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// counterSample is one persisted series of a counter vector
type counterSample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// snapshot is counter name -> series
type snapshot map[string][]counterSample

// loadCounters adds persisted counter values back into the registry
func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(keyCounters)
		if data == nil {
			return nil
		}

		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil // Skip invalid data
		}

		vecs := c.metrics.persistedCounters()
		for name, samples := range snap {
			vec, ok := vecs[name]
			if !ok {
				continue
			}
			for _, s := range samples {
				counter, err := vec.GetMetricWith(prometheus.Labels(s.Labels))
				if err != nil || s.Value < 0 {
					continue
				}
				counter.Add(s.Value)
			}
		}
		return nil
	})
}

// takeSnapshot reads the current value of every persisted counter
func (c *Collector) takeSnapshot() snapshot {
	snap := make(snapshot)
	for name, vec := range c.metrics.persistedCounters() {
		var samples []counterSample
		ch := make(chan prometheus.Metric, 64)
		go func() {
			vec.Collect(ch)
			close(ch)
		}()
		for metric := range ch {
			var pb dto.Metric
			if err := metric.Write(&pb); err != nil {
				continue
			}
			labels := make(map[string]string, len(pb.Label))
			for _, lp := range pb.Label {
				labels[lp.GetName()] = lp.GetValue()
			}
			samples = append(samples, counterSample{Labels: labels, Value: pb.GetCounter().GetValue()})
		}
		snap[name] = samples
	}
	return snap
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	snap := c.takeSnapshot()

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}

		return bucket.Put(keyCounters, data)
	})
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

// updateSystemMetrics periodically updates system gauges
func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

// collectSystemMetrics collects current system state
func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.outboxStats != nil {
		stats, err := c.outboxStats.MetricsStats(ctx)
		if err == nil {
			c.metrics.OutboxSize.Set(float64(stats.Pending + stats.Deferred))
			c.metrics.OutboxDeferred.Set(float64(stats.Deferred))
			c.metrics.OutboxDeadLetter.Set(float64(stats.DeadLetter))
			if stats.OldestQueued.IsZero() {
				c.metrics.OutboxOldestSeconds.Set(0)
			} else {
				c.metrics.OutboxOldestSeconds.Set(time.Since(stats.OldestQueued).Seconds())
			}
		}
	}
}
