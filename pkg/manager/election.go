// Package manager implements the master-candidate election: the
// cluster's master-capable candidates form a small
// Raft group, and only the elected leader runs the opcode processor and
// accepts LUXI/RAPI writes. Losing the election is how a master failover
// is detected.
package manager

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/ganeti-go/ganeti/pkg/log"
)

const (
	raftLogFile    = "raft-log.db"
	raftStableFile = "raft-stable.db"
	snapshotsKept  = 2
)

// Options configures an Election.
type Options struct {
	// NodeName is this node's canonical hostname, used as its Raft ID.
	NodeName string
	// BindAddr is the host:port the Raft transport listens on.
	BindAddr string
	// DataDir holds the Raft log, stable store and snapshots.
	DataDir string
	// InMemory replaces the on-disk stores and TCP transport with
	// in-memory equivalents (tests only).
	InMemory bool
}

// Election is one node's membership in the master-candidate Raft group.
type Election struct {
	nodeName  string
	raft      *raft.Raft
	fsm       *candidateFSM
	transport raft.Transport
	leaderCh  <-chan bool
}

// New sets up the Raft node but does not join or bootstrap a group yet.
func New(opts Options) (*Election, error) {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(opts.NodeName)
	cfg.LogOutput = log.RaftWriter()

	// A master failover should be noticed in seconds, not tens of
	// seconds; the candidate pool is small so tight timeouts are safe.
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond

	fsm := newCandidateFSM()

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapStore   raft.SnapshotStore
		transport   raft.Transport
		err         error
	)
	if opts.InMemory {
		store := raft.NewInmemStore()
		logStore, stableStore = store, store
		snapStore = raft.NewInmemSnapshotStore()
		_, tr := raft.NewInmemTransport(raft.ServerAddress(opts.NodeName))
		transport = tr
	} else {
		if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create raft dir: %w", err)
		}
		boltLog, err := raftboltdb.NewBoltStore(filepath.Join(opts.DataDir, raftLogFile))
		if err != nil {
			return nil, fmt.Errorf("open raft log store: %w", err)
		}
		boltStable, err := raftboltdb.NewBoltStore(filepath.Join(opts.DataDir, raftStableFile))
		if err != nil {
			return nil, fmt.Errorf("open raft stable store: %w", err)
		}
		logStore, stableStore = boltLog, boltStable

		snapStore, err = raft.NewFileSnapshotStore(opts.DataDir, snapshotsKept, log.RaftWriter())
		if err != nil {
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}

		addr, err := net.ResolveTCPAddr("tcp", opts.BindAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve raft bind addr: %w", err)
		}
		transport, err = raft.NewTCPTransport(opts.BindAddr, addr, 3, 10*time.Second, log.RaftWriter())
		if err != nil {
			return nil, fmt.Errorf("create raft transport: %w", err)
		}
	}

	r, err := raft.NewRaft(cfg, fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	return &Election{
		nodeName:  opts.NodeName,
		raft:      r,
		fsm:       fsm,
		transport: transport,
		leaderCh:  r.LeaderCh(),
	}, nil
}

// Bootstrap starts a brand-new candidate group with this node as its
// only member; used by cluster init on the first master.
func (e *Election) Bootstrap() error {
	future := e.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{
			ID:      raft.ServerID(e.nodeName),
			Address: e.transport.LocalAddr(),
		}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap candidate group: %w", err)
	}
	return nil
}

// AddCandidate adds a node to the candidate group; must be called on the
// leader (typically from the LU that promotes a node to candidate).
func (e *Election) AddCandidate(nodeName, addr string) error {
	future := e.raft.AddVoter(raft.ServerID(nodeName), raft.ServerAddress(addr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("add candidate %s: %w", nodeName, err)
	}
	return nil
}

// RemoveCandidate drops a node from the candidate group (demotion,
// node removal, offlining).
func (e *Election) RemoveCandidate(nodeName string) error {
	future := e.raft.RemoveServer(raft.ServerID(nodeName), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("remove candidate %s: %w", nodeName, err)
	}
	return nil
}

// IsLeader reports whether this node currently holds the master role.
func (e *Election) IsLeader() bool { return e.raft.State() == raft.Leader }

// LeaderCh delivers leadership transitions: true when this node wins the
// election, false when it loses the role. The master daemon watches this
// to start/stop the processor.
func (e *Election) LeaderCh() <-chan bool { return e.leaderCh }

// WaitForLeadership blocks until this node is elected or timeout
// elapses.
func (e *Election) WaitForLeadership(timeout time.Duration) error {
	if e.IsLeader() {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case isLeader := <-e.leaderCh:
			if isLeader {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("node %s not elected within %s", e.nodeName, timeout)
		}
	}
}

// AnnounceMaster replicates "node X is now the master" to every
// candidate, so confd servers on followers answer CLUSTER_MASTER
// queries without asking the leader.
func (e *Election) AnnounceMaster(nodeName string) error {
	return e.apply(fsmCommand{Kind: cmdSetMaster, Node: nodeName})
}

// AnnounceSerial replicates the config serial so followers can tell how
// stale their config snapshot is.
func (e *Election) AnnounceSerial(serial int64) error {
	return e.apply(fsmCommand{Kind: cmdSetSerial, Serial: serial})
}

// Master returns the last announced master and config serial, served
// from the local FSM replica.
func (e *Election) Master() (string, int64) { return e.fsm.master() }

// Candidates lists the current members of the group.
func (e *Election) Candidates() ([]string, error) {
	future := e.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	var names []string
	for _, srv := range future.Configuration().Servers {
		names = append(names, string(srv.ID))
	}
	return names, nil
}

func (e *Election) apply(cmd fsmCommand) error {
	raw, err := cmd.encode()
	if err != nil {
		return err
	}
	future := e.raft.Apply(raw, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("replicate %s: %w", cmd.Kind, err)
	}
	return nil
}

// Transport exposes the Raft transport, so tests can connect in-memory
// peers to each other.
func (e *Election) Transport() raft.Transport { return e.transport }

// Close shuts the Raft node down, blocking until outstanding work
// finishes.
func (e *Election) Close() error {
	return e.raft.Shutdown().Error()
}
