// Package config implements the cluster configuration store: a
// single-writer, copy-on-read in-memory object graph backed by an
// atomically-rewritten config.data file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
	"github.com/ganeti-go/ganeti/pkg/log"
	"github.com/ganeti-go/ganeti/pkg/metrics"
	"github.com/ganeti-go/ganeti/pkg/types"
)

const configFileName = "config.data"

// Store owns the single in-memory ConfigData and serializes every
// mutation behind an internal write lock.
type Store struct {
	mu      sync.RWMutex
	dataDir string
	data    *types.ConfigData
}

// New creates a Store rooted at dataDir with a fresh, empty ConfigData
// (no Cluster yet — bootstrap populates it). Callers that already have a
// persisted config should use Open instead.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	now := time.Now()
	return &Store{
		dataDir: dataDir,
		data: &types.ConfigData{
			Version:    1,
			Nodes:      map[string]*types.Node{},
			NodeGroups: map[string]*types.NodeGroup{},
			Instances:  map[string]*types.Instance{},
			Networks:   map[string]*types.Network{},
			SerialNo:   0,
			LastModify: now,
		},
	}, nil
}

// Open loads a Store from an existing config.data file under dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, configFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var data types.ConfigData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &gerrors.ConfigurationError{Msg: fmt.Sprintf("corrupt config data: %v", err)}
	}
	return &Store{dataDir: dataDir, data: &data}, nil
}

// Snapshot returns a deep copy of the current ConfigData. Readers always
// get either the state before or after a given write, never a partial
// one, because the copy is taken under the read lock of a pointer swap
// that only ever happens after a successful persist.
func (s *Store) Snapshot() *types.ConfigData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopy(s.data)
}

// Update applies fn to a private working copy of the config, and only on
// success bumps serial_no/mtime, persists atomically, and swaps the
// in-memory pointer. If fn returns an error, or the persist fails, the
// live config is untouched — an aborted write never corrupts state.
func (s *Store) Update(fn func(*types.ConfigData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := deepCopy(s.data)
	if err := fn(working); err != nil {
		return err
	}
	working.SerialNo = s.data.SerialNo + 1
	working.LastModify = time.Now()
	if working.LastModify.Before(s.data.LastModify) {
		working.LastModify = s.data.LastModify
	}

	timer := metrics.NewTimer()
	if err := s.persist(working); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	timer.ObserveDuration(metrics.ConfigWriteDuration)
	metrics.ConfigSerial.Set(float64(working.SerialNo))
	s.data = working

	if err := writeSsconf(s.dataDir, working); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to regenerate ssconf after config write")
	}
	return nil
}

// persist writes data to a temp file in dataDir, fsyncs it, and renames
// it over config.data. A rename failure leaves the previous file
// completely intact.
func (s *Store) persist(data *types.ConfigData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	final := filepath.Join(s.dataDir, configFileName)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func deepCopy(data *types.ConfigData) *types.ConfigData {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(gerrors.NewProgrammerError("config deep copy: marshal: %v", err))
	}
	var out types.ConfigData
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(gerrors.NewProgrammerError("config deep copy: unmarshal: %v", err))
	}
	return &out
}

// SerialNo returns the current serial number without a full snapshot.
func (s *Store) SerialNo() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.SerialNo
}
