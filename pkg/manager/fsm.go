package manager

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// fsmCommand kinds replicated through the candidate group.
const (
	cmdSetMaster = "set-master"
	cmdSetSerial = "set-serial"
)

type fsmCommand struct {
	Kind   string `json:"kind"`
	Node   string `json:"node,omitempty"`
	Serial int64  `json:"serial,omitempty"`
}

func (c fsmCommand) encode() ([]byte, error) { return json.Marshal(c) }

// candidateFSM is the replicated state every candidate carries: who the
// master is and the newest announced config serial. It is deliberately
// tiny — the authoritative cluster config never travels through Raft,
// only the facts confd needs to answer from a follower.
type candidateFSM struct {
	mu           sync.RWMutex
	masterNode   string
	configSerial int64
}

func newCandidateFSM() *candidateFSM { return &candidateFSM{} }

func (f *candidateFSM) master() (string, int64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.masterNode, f.configSerial
}

// Apply implements raft.FSM.
func (f *candidateFSM) Apply(entry *raft.Log) interface{} {
	var cmd fsmCommand
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch cmd.Kind {
	case cmdSetMaster:
		f.masterNode = cmd.Node
	case cmdSetSerial:
		if cmd.Serial > f.configSerial {
			f.configSerial = cmd.Serial
		}
	}
	return nil
}

type fsmSnapshot struct {
	MasterNode   string `json:"master_node"`
	ConfigSerial int64  `json:"config_serial"`
}

// Snapshot implements raft.FSM.
func (f *candidateFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{MasterNode: f.masterNode, ConfigSerial: f.configSerial}, nil
}

// Restore implements raft.FSM.
func (f *candidateFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masterNode = snap.MasterNode
	f.configSerial = snap.ConfigSerial
	return nil
}

// Persist implements raft.FSMSnapshot.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	raw, err := json.Marshal(s)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(raw); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release implements raft.FSMSnapshot.
func (s *fsmSnapshot) Release() {}
