package metrics

import (
	"context"
	"time"

	"github.com/cuemby/syncd/pkg/storage"
)

// Collector collects metrics from the relational store.
type Collector struct {
	store  *storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store *storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectSyncUserMetrics(ctx)
	c.collectInventoryMetrics(ctx)
}

func (c *Collector) collectSyncUserMetrics(ctx context.Context) {
	counts, err := c.store.CountSyncSettingsByStatus(ctx)
	if err != nil {
		return
	}

	for status, count := range counts {
		SyncUsersTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectInventoryMetrics(ctx context.Context) {
	total, err := c.store.CountInventoryItems(ctx)
	if err != nil {
		return
	}

	InventoryItemsTotal.Set(float64(total))
}
