package confd

import (
	"net"
	"sync"
	"time"

	"github.com/ganeti-go/ganeti/pkg/log"
	"github.com/ganeti-go/ganeti/pkg/metrics"
	"github.com/ganeti-go/ganeti/pkg/types"
)

// SnapshotSource supplies the read-only ConfigData snapshot the server
// answers queries from. *config.Store satisfies this directly.
type SnapshotSource interface {
	Snapshot() *types.ConfigData
}

// Server answers confd queries from an in-memory snapshot that is only
// ever refreshed by an explicit Reload call, never by taking the config
// store's write lock on the query path
type Server struct {
	key    []byte
	source SnapshotSource

	mu     sync.RWMutex
	snap   *types.ConfigData
	serial int64

	conn *net.UDPConn
}

// NewServer builds a Server. The first Reload must be called before
// serving to populate the snapshot.
func NewServer(key []byte, source SnapshotSource) *Server {
	return &Server{key: key, source: source}
}

// Reload refetches the snapshot from source and bumps the reply serial,
// so clients can detect that an answer is newer than one they already
// hold. It is safe to call from a timer or from a
// config-store change notification.
func (s *Server) Reload() {
	snap := s.source.Snapshot()
	s.mu.Lock()
	s.snap = snap
	s.serial++
	s.mu.Unlock()
}

// ListenAndServe opens bindAddr and answers queries until the socket is
// closed.
func (s *Server) ListenAndServe(bindAddr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	s.conn = conn

	buf := make([]byte, 65536)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		s.handleDatagram(buf[:n], addr)
	}
}

// Close stops serving.
func (s *Server) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Server) handleDatagram(data []byte, from *net.UDPAddr) {
	reply, salt, ok := s.Answer(data)
	if !ok {
		return
	}
	datagram, err := Pack(s.key, reply, salt, time.Now())
	if err != nil {
		log.Logger.Warn().Err(err).Msg("confd: failed to pack reply")
		return
	}
	if _, err := s.conn.WriteToUDP(datagram, from); err != nil {
		log.Logger.Warn().Err(err).Msg("confd: failed to send reply")
	}
}

// Answer verifies and decodes a raw request datagram and computes a
// Reply from the current snapshot. It is exported separately from
// handleDatagram so tests can drive it without a real socket.
func (s *Server) Answer(data []byte) (Reply, string, bool) {
	var req Request
	salt, err := Unpack(s.key, data, time.Now(), &req)
	if err != nil {
		metrics.ConfdRequestsTotal.WithLabelValues("unknown", "rejected").Inc()
		return Reply{}, "", false
	}
	metrics.ConfdRequestsTotal.WithLabelValues(string(req.Type), "ok").Inc()

	s.mu.RLock()
	snap := s.snap
	serial := s.serial
	s.mu.RUnlock()
	if snap == nil {
		return Reply{Status: ReplyStatusError, Answer: "snapshot not loaded", Serial: serial}, salt, true
	}

	answer, err := s.resolve(snap, req)
	if err != nil {
		return Reply{Status: ReplyStatusError, Answer: err.Error(), Serial: serial}, salt, true
	}
	return Reply{Status: ReplyStatusOK, Answer: answer, Serial: serial}, salt, true
}

func (s *Server) resolve(snap *types.ConfigData, req Request) (interface{}, error) {
	switch req.Type {
	case ReqPing:
		return "pong", nil

	case ReqClusterMaster:
		if snap.Cluster == nil {
			return "", nil
		}
		return snap.Cluster.MasterNode, nil

	case ReqNodeRoleByName:
		node, ok := snap.Nodes[req.Query]
		if !ok {
			return nil, notFound("node", req.Query)
		}
		return string(node.Role), nil

	case ReqNodePIPByInstanceIP:
		for _, inst := range snap.Instances {
			for _, nic := range inst.NICs {
				if nic.IP == req.Query {
					if node, ok := snap.Nodes[inst.PrimaryNode]; ok {
						return node.PrimaryIP, nil
					}
				}
			}
		}
		return nil, notFound("instance with IP", req.Query)

	case ReqNodePIPList:
		var ips []string
		for _, n := range snap.Nodes {
			ips = append(ips, n.PrimaryIP)
		}
		return ips, nil

	case ReqMCPIPList:
		var ips []string
		for _, n := range snap.Nodes {
			if n.Role == types.NodeRoleMasterCandidate || n.Role == types.NodeRoleMaster {
				ips = append(ips, n.PrimaryIP)
			}
		}
		return ips, nil

	case ReqInstancesIPsList:
		var ips []string
		for _, inst := range snap.Instances {
			for _, nic := range inst.NICs {
				if nic.IP != "" {
					ips = append(ips, nic.IP)
				}
			}
		}
		return ips, nil

	default:
		return nil, notFound("request type", string(req.Type))
	}
}

type notFoundError struct{ what, query string }

func (e *notFoundError) Error() string { return e.what + " not found: " + e.query }

func notFound(what, query string) error { return &notFoundError{what: what, query: query} }
