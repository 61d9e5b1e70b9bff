// Package watcher implements the periodic cluster caretaker: it archives
// finished jobs past their retention age, probes node daemons for
// liveness, and keeps its per-node probe-failure counts in watcher.data.
// An operator can silence it temporarily through the watcher.pause file.
package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ganeti-go/ganeti/pkg/log"
	"github.com/ganeti-go/ganeti/pkg/rpc"
	"github.com/ganeti-go/ganeti/pkg/types"
)

const (
	stateFileName = "watcher.data"
	pauseFileName = "watcher.pause"

	// DefaultInterval is how often a cycle runs.
	DefaultInterval = 5 * time.Minute
	// DefaultArchiveAge is how long finished jobs stay in the live queue.
	DefaultArchiveAge = 6 * time.Hour
)

// JobArchiver is the slice of the job queue the watcher drives.
type JobArchiver interface {
	AutoArchiveJobs(maxAge time.Duration) (int, error)
}

// NodeProber fans a liveness probe out to node daemons.
type NodeProber interface {
	Call(ctx context.Context, nodes []string, method string, args interface{}) map[string]rpc.Result
}

// nodeState is the per-node bookkeeping persisted in watcher.data.
type nodeState struct {
	Failures int       `json:"failures"`
	LastSeen time.Time `json:"last_seen"`
}

// state is the full watcher.data content.
type state struct {
	Nodes map[string]*nodeState `json:"nodes"`
}

// Options configures a Watcher.
type Options struct {
	DataDir    string
	Queue      JobArchiver
	Prober     NodeProber // nil disables probing
	Snapshot   func() *types.ConfigData
	Interval   time.Duration
	ArchiveAge time.Duration
}

// Watcher runs caretaker cycles until stopped.
type Watcher struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	state  state
	stopCh chan struct{}
	once   sync.Once
}

// New builds a Watcher, loading any previous watcher.data.
func New(opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ArchiveAge <= 0 {
		opts.ArchiveAge = DefaultArchiveAge
	}
	w := &Watcher{
		opts:   opts,
		logger: log.WithComponent("watcher"),
		state:  state{Nodes: map[string]*nodeState{}},
		stopCh: make(chan struct{}),
	}
	w.loadState()
	return w
}

// Start begins the cycle loop.
func (w *Watcher) Start() {
	go w.run()
}

// Stop ends the loop.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stopCh) })
}

func (w *Watcher) run() {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.opts.Interval).Msg("watcher started")
	for {
		select {
		case <-ticker.C:
			w.RunCycle(context.Background())
		case <-w.stopCh:
			w.logger.Info().Msg("watcher stopped")
			return
		}
	}
}

// RunCycle performs one caretaker pass. The ticker loop calls it on each
// interval; it is exported so tests can trigger a pass synchronously.
func (w *Watcher) RunCycle(ctx context.Context) {
	if until := ReadPause(w.opts.DataDir); until > time.Now().Unix() {
		w.logger.Debug().Int64("paused_until", until).Msg("watcher paused, skipping cycle")
		return
	}

	if w.opts.Queue != nil {
		archived, err := w.opts.Queue.AutoArchiveJobs(w.opts.ArchiveAge)
		if err != nil {
			w.logger.Warn().Err(err).Msg("job auto-archive failed")
		} else if archived > 0 {
			w.logger.Info().Int("archived", archived).Msg("archived finished jobs")
		}
	}

	if w.opts.Prober != nil && w.opts.Snapshot != nil {
		w.probeNodes(ctx)
	}

	w.saveState()
}

func (w *Watcher) probeNodes(ctx context.Context) {
	snap := w.opts.Snapshot()
	var nodes []string
	for name, node := range snap.Nodes {
		if node.Role != types.NodeRoleOffline {
			nodes = append(nodes, name)
		}
	}
	if len(nodes) == 0 {
		return
	}

	results := w.opts.Prober.Call(ctx, nodes, "version", nil)

	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for node, res := range results {
		st := w.state.Nodes[node]
		if st == nil {
			st = &nodeState{}
			w.state.Nodes[node] = st
		}
		if res.FailMsg != "" || res.Offline {
			st.Failures++
			w.logger.Warn().Str("node", node).Int("failures", st.Failures).
				Str("fail_msg", res.FailMsg).Msg("node probe failed")
			continue
		}
		st.Failures = 0
		st.LastSeen = now
	}
	// Forget nodes that left the cluster.
	for name := range w.state.Nodes {
		if _, ok := snap.Nodes[name]; !ok {
			delete(w.state.Nodes, name)
		}
	}
}

// FailureCount reports how many consecutive probe failures node has.
func (w *Watcher) FailureCount(node string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st := w.state.Nodes[node]; st != nil {
		return st.Failures
	}
	return 0
}

func (w *Watcher) statePath() string {
	return filepath.Join(w.opts.DataDir, stateFileName)
}

func (w *Watcher) loadState() {
	raw, err := os.ReadFile(w.statePath())
	if err != nil {
		return
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		w.logger.Warn().Err(err).Msg("discarding corrupt watcher.data")
		return
	}
	if st.Nodes == nil {
		st.Nodes = map[string]*nodeState{}
	}
	w.state = st
}

func (w *Watcher) saveState() {
	w.mu.Lock()
	raw, err := json.MarshalIndent(&w.state, "", "  ")
	w.mu.Unlock()
	if err != nil {
		return
	}
	tmp := w.statePath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		w.logger.Warn().Err(err).Msg("cannot write watcher.data")
		return
	}
	if err := os.Rename(tmp, w.statePath()); err != nil {
		w.logger.Warn().Err(err).Msg("cannot replace watcher.data")
	}
}

// WritePause records the UNIX timestamp the watcher must stay paused
// until; until=0 removes the file, unpausing immediately.
func WritePause(dataDir string, until int64) error {
	path := filepath.Join(dataDir, pauseFileName)
	if until == 0 {
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return os.WriteFile(path, []byte(strconv.FormatInt(until, 10)+"\n"), 0o644)
}

// ReadPause returns the pause deadline, or 0 if the watcher is not
// paused.
func ReadPause(dataDir string) int64 {
	raw, err := os.ReadFile(filepath.Join(dataDir, pauseFileName))
	if err != nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
