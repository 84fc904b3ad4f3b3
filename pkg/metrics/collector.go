package metrics

import (
	"context"
	"time"

	"github.com/cuemby/minipd/pkg/storage"
	"github.com/cuemby/minipd/pkg/types"
	"go.etcd.io/raft/v3"
)

// DriverSource is the read-only surface Collector needs from the fsm
// driver. It is expressed as an interface, not a direct *fsm.Driver
// dependency, because pkg/fsm already imports pkg/metrics to observe fsync
// and proposal-latency histograms inline; importing pkg/fsm back here would
// cycle. *fsm.Driver satisfies this without either package naming the other.
type DriverSource interface {
	Status() raft.Status
	ProposalQueueDepth() int
	ReadQueueDepth() int
	PendingAcksDepth() int
}

// ClusterSource is the read-only surface Collector needs from the service
// layer, kept as an interface for the same reason: pkg/service imports
// pkg/fsm, which imports pkg/metrics, so a direct *service.Service field
// here would also cycle. *service.Service satisfies this directly.
type ClusterSource interface {
	GetAllStores(ctx context.Context) ([]types.Store, error)
	ScanRegions(ctx context.Context, startKey []byte, limit int) ([]types.Region, error)
}

// Collector periodically samples gauge-style state from the driver, storage
// adapter and service layer. Counter/histogram metrics (fsync, proposal and
// read-index latency) are observed inline at the moment they happen, in
// pkg/fsm's driver; Collector only owns the gauges with no single event to
// hang off of.
type Collector struct {
	driver  DriverSource
	store   *storage.Storage
	cluster ClusterSource
	stopCh  chan struct{}
}

// NewCollector builds a collector over a running driver/storage/service
// triple, all safe to read concurrently with the driver's poll loop through
// the read-only accessors each already exposes for this purpose.
func NewCollector(driver DriverSource, store *storage.Storage, cluster ClusterSource) *Collector {
	return &Collector{driver: driver, store: store, cluster: cluster, stopCh: make(chan struct{})}
}

// Start begins periodic collection on a 15s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectRaftMetrics()
	c.collectQueueMetrics()
	c.collectClusterMetrics()
}

func (c *Collector) collectRaftMetrics() {
	status := c.driver.Status()

	if status.RaftState == raft.StateLeader {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	RaftTerm.Set(float64(status.HardState.Term))
	RaftAppliedIndex.Set(float64(status.Applied))

	if lastIndex, err := c.store.LastIndex(); err == nil {
		RaftLogIndex.Set(float64(lastIndex))
	}

	_, confState, err := c.store.InitialState()
	if err == nil {
		RaftPeers.Set(float64(len(confState.Voters)))
	}
}

func (c *Collector) collectQueueMetrics() {
	ProposalQueueDepth.Set(float64(c.driver.ProposalQueueDepth()))
	ReadQueueDepth.Set(float64(c.driver.ReadQueueDepth()))
	PendingAcksDepth.Set(float64(c.driver.PendingAcksDepth()))
}

func (c *Collector) collectClusterMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if stores, err := c.cluster.GetAllStores(ctx); err == nil {
		counts := make(map[string]int)
		for _, st := range stores {
			counts[string(st.State)]++
		}
		for state, n := range counts {
			StoresTotal.WithLabelValues(state).Set(float64(n))
		}
	}

	if regions, err := c.cluster.ScanRegions(ctx, nil, 0); err == nil {
		RegionsTotal.Set(float64(len(regions)))
	}
}
