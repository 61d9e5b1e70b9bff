package metrics

import (
	"time"

	"github.com/ganeti-go/ganeti/pkg/types"
)

// Sources supplies the collector with read-only views of the components
// it samples. Functions left nil are skipped, so partial daemons (a
// confd-only node has no job queue) reuse the same collector.
type Sources struct {
	Snapshot    func() *types.ConfigData
	PendingJobs func() int
	IsLeader    func() bool
	Candidates  func() int
}

// Collector periodically samples cluster state into the package's gauges.
type Collector struct {
	sources Sources
	stopCh  chan struct{}
}

// NewCollector creates a metrics collector over the given sources.
func NewCollector(sources Sources) *Collector {
	return &Collector{sources: sources, stopCh: make(chan struct{})}
}

// Start begins collecting every 15 seconds, with one immediate sample.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.Collect()
		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect performs one sampling pass; exported so tests and one-shot
// tools can trigger it synchronously.
func (c *Collector) Collect() {
	if c.sources.Snapshot != nil {
		snap := c.sources.Snapshot()

		byRole := map[types.NodeRole]int{}
		for _, node := range snap.Nodes {
			byRole[node.Role]++
		}
		for _, role := range []types.NodeRole{
			types.NodeRoleMaster, types.NodeRoleMasterCandidate,
			types.NodeRoleRegular, types.NodeRoleDrained, types.NodeRoleOffline,
		} {
			NodesTotal.WithLabelValues(string(role)).Set(float64(byRole[role]))
		}
		InstancesTotal.Set(float64(len(snap.Instances)))
		GroupsTotal.Set(float64(len(snap.NodeGroups)))
		ConfigSerial.Set(float64(snap.SerialNo))
	}

	if c.sources.PendingJobs != nil {
		JobQueuePending.Set(float64(c.sources.PendingJobs()))
	}
	if c.sources.IsLeader != nil {
		if c.sources.IsLeader() {
			RaftIsLeader.Set(1)
		} else {
			RaftIsLeader.Set(0)
		}
	}
	if c.sources.Candidates != nil {
		RaftCandidates.Set(float64(c.sources.Candidates()))
	}
}
