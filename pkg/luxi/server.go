package luxi

import (
	"encoding/json"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
	"github.com/ganeti-go/ganeti/pkg/log"
	"github.com/ganeti-go/ganeti/pkg/types"
)

// Backend is what the LUXI server needs from the master daemon: job
// submission/lifecycle and read access to the config.
type Backend interface {
	SubmitJob(opNames []string, ops []json.RawMessage) (*types.Job, error)
	GetJob(id int64) (*types.Job, error)
	QueryJobs() ([]*types.Job, error)
	WaitForJobChange(id int64, fromStatus types.JobStatus, timeout time.Duration) (*types.Job, error)
	CancelJob(id int64) error
	ArchiveJob(id int64) error
	AutoArchiveJobs(age time.Duration) (int, error)
	SetDrainFlag(drain bool) error
	SetWatcherPause(until int64) error
	ConfigSnapshot() *types.ConfigData
	ConfigValue(key string) (string, error)
}

// Server accepts LUXI connections on a UNIX socket and dispatches the
// methods in §4.10 against a Backend. One goroutine per connection; each
// connection is strictly request/reply.
type Server struct {
	backend Backend

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer builds a Server around backend.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

// Serve listens on the UNIX socket at path until Close. A stale socket
// file from a previous run is removed first.
func (s *Server) Serve(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	tr := NewTransport(conn, DefaultRWTimeout)
	defer tr.Close()

	for {
		reqJSON, err := tr.Recv()
		if err != nil {
			return // EOF or timeout; either way the conversation is over
		}
		var req request
		if err := jsonAPI.Unmarshal(reqJSON, &req); err != nil {
			s.reply(tr, nil, gerrors.NewProgrammerError("malformed luxi request: %v", err))
			return
		}
		result, err := s.dispatch(req)
		if sendErr := s.reply(tr, result, err); sendErr != nil {
			log.Logger.Debug().Err(sendErr).Msg("luxi reply failed")
			return
		}
	}
}

func (s *Server) reply(tr *Transport, result interface{}, err error) error {
	var resp response
	if err != nil {
		env := gerrors.ToEnvelope(err)
		raw, mErr := jsonAPI.Marshal(env)
		if mErr != nil {
			return mErr
		}
		resp = response{Success: false, Result: raw}
	} else {
		raw, mErr := jsonAPI.Marshal(result)
		if mErr != nil {
			return mErr
		}
		resp = response{Success: true, Result: raw}
	}
	out, err2 := jsonAPI.Marshal(resp)
	if err2 != nil {
		return err2
	}
	return tr.Send(out)
}

func (s *Server) dispatch(req request) (interface{}, error) {
	switch req.Method {
	case MethodSubmitJob:
		var ops []OpSpec
		if err := jsonAPI.Unmarshal(req.Args, &ops); err != nil {
			return nil, gerrors.NewOpPrereqError(gerrors.ECodeInval, "bad SubmitJob args: %v", err)
		}
		return s.submitOne(ops)

	case MethodSubmitManyJobs:
		var jobs [][]OpSpec
		if err := jsonAPI.Unmarshal(req.Args, &jobs); err != nil {
			return nil, gerrors.NewOpPrereqError(gerrors.ECodeInval, "bad SubmitManyJobs args: %v", err)
		}
		ids := make([]int64, 0, len(jobs))
		for _, ops := range jobs {
			id, err := s.submitOne(ops)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil

	case MethodWaitForJobChange:
		var args waitArgs
		if err := jsonAPI.Unmarshal(req.Args, &args); err != nil {
			return nil, gerrors.NewOpPrereqError(gerrors.ECodeInval, "bad WaitForJobChange args: %v", err)
		}
		if args.TimeoutMS <= 0 {
			return s.backend.GetJob(args.ID)
		}
		timeout := time.Duration(args.TimeoutMS) * time.Millisecond
		if timeout > waitForJobChangeCap {
			timeout = waitForJobChangeCap
		}
		return s.backend.WaitForJobChange(args.ID, args.FromStatus, timeout)

	case MethodCancelJob:
		var id int64
		if err := jsonAPI.Unmarshal(req.Args, &id); err != nil {
			return nil, gerrors.NewOpPrereqError(gerrors.ECodeInval, "bad CancelJob args: %v", err)
		}
		return nil, s.backend.CancelJob(id)

	case MethodArchiveJob:
		var id int64
		if err := jsonAPI.Unmarshal(req.Args, &id); err != nil {
			return nil, gerrors.NewOpPrereqError(gerrors.ECodeInval, "bad ArchiveJob args: %v", err)
		}
		return nil, s.backend.ArchiveJob(id)

	case MethodAutoArchiveJobs:
		var ageSeconds int64
		if err := jsonAPI.Unmarshal(req.Args, &ageSeconds); err != nil {
			return nil, gerrors.NewOpPrereqError(gerrors.ECodeInval, "bad AutoArchiveJobs args: %v", err)
		}
		return s.backend.AutoArchiveJobs(time.Duration(ageSeconds) * time.Second)

	case MethodQueryJobs:
		return s.backend.QueryJobs()

	case MethodQueryConfigValues:
		var keys []string
		if err := jsonAPI.Unmarshal(req.Args, &keys); err != nil {
			return nil, gerrors.NewOpPrereqError(gerrors.ECodeInval, "bad QueryConfigValues args: %v", err)
		}
		values := make(map[string]string, len(keys))
		for _, k := range keys {
			v, err := s.backend.ConfigValue(k)
			if err != nil {
				return nil, err
			}
			values[k] = v
		}
		return values, nil

	case MethodQueryClusterInfo:
		return clusterInfo(s.backend.ConfigSnapshot()), nil

	case MethodSetDrainFlag:
		var drain bool
		if err := jsonAPI.Unmarshal(req.Args, &drain); err != nil {
			return nil, gerrors.NewOpPrereqError(gerrors.ECodeInval, "bad SetDrainFlag args: %v", err)
		}
		return nil, s.backend.SetDrainFlag(drain)

	case MethodSetWatcherPause:
		var until int64
		if err := jsonAPI.Unmarshal(req.Args, &until); err != nil {
			return nil, gerrors.NewOpPrereqError(gerrors.ECodeInval, "bad SetWatcherPause args: %v", err)
		}
		return nil, s.backend.SetWatcherPause(until)

	default:
		return nil, gerrors.NewOpPrereqError(gerrors.ECodeInval, "unknown luxi method %q", req.Method)
	}
}

func (s *Server) submitOne(ops []OpSpec) (int64, error) {
	if len(ops) == 0 {
		return 0, gerrors.NewOpPrereqError(gerrors.ECodeInval, "job has no opcodes")
	}
	opNames := make([]string, len(ops))
	bodies := make([]json.RawMessage, len(ops))
	for i, op := range ops {
		opNames[i] = op.Name
		body := op.Body
		if len(body) == 0 {
			body = json.RawMessage(`{}`)
		}
		bodies[i] = body
	}
	job, err := s.backend.SubmitJob(opNames, bodies)
	if err != nil {
		return 0, err
	}
	return job.ID, nil
}

func clusterInfo(snap *types.ConfigData) *ClusterInfo {
	info := &ClusterInfo{SerialNo: snap.SerialNo}
	if snap.Cluster != nil {
		info.ClusterName = snap.Cluster.ClusterName
		info.MasterNode = snap.Cluster.MasterNode
	}
	for name := range snap.Nodes {
		info.Nodes = append(info.Nodes, name)
	}
	for name := range snap.NodeGroups {
		info.NodeGroups = append(info.NodeGroups, name)
	}
	for name := range snap.Instances {
		info.Instances = append(info.Instances, name)
	}
	sort.Strings(info.Nodes)
	sort.Strings(info.NodeGroups)
	sort.Strings(info.Instances)
	return info
}
