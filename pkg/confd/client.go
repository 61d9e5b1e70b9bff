package confd

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
)

// requestExpiry is how long an outstanding request is tracked before it
// synthesizes an EXPIRE upcall.
const requestExpiry = 10 * time.Second

// defaultCoverage is how many peers a request fans out to by default.
const defaultCoverage = 6

// UpcallKind distinguishes REPLY from EXPIRE upcalls.
type UpcallKind string

const (
	UpcallReply  UpcallKind = "REPLY"
	UpcallExpire UpcallKind = "EXPIRE"
)

// Upcall is delivered to the client's callback for both replies (after
// filtering) and expirations.
type Upcall struct {
	Kind UpcallKind
	ReplyUpcall
}

type pendingRequest struct {
	request Request
	expires time.Time
	extra   interface{}
}

// Client implements the confd query client: it maintains a peer list, shuffles before each send, fans a request out
// to `coverage` peers, tracks outstanding requests by salt with a 10s
// expiry, and verifies+filters replies.
type Client struct {
	mu       sync.Mutex
	key      []byte
	peers    []string
	port     int
	coverage int
	pending  map[string]*pendingRequest
	filter   *Filter
	conn     *net.UDPConn
	callback func(Upcall)
}

// NewClient builds a Client. peers is the initial peer address list
// (host:port omitted — port is supplied separately since every confd
// peer listens on the same well-known UDP port).
func NewClient(key []byte, peers []string, port int, callback func(Upcall)) *Client {
	c := &Client{
		key: key, peers: append([]string(nil), peers...), port: port,
		coverage: defaultCoverage, pending: make(map[string]*pendingRequest),
		callback: callback,
	}
	c.filter = NewFilter(func(r ReplyUpcall) {
		if c.callback != nil {
			c.callback(Upcall{Kind: UpcallReply, ReplyUpcall: r})
		}
	})
	return c
}

// SetPeers replaces the peer list.
func (c *Client) SetPeers(peers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = append([]string(nil), peers...)
}

// Listen opens the client's UDP socket for receiving replies. Callers
// that only want to exercise Send/ExpireOutstanding in tests may skip
// this and drive HandleDatagram directly.
func (c *Client) Listen(bindAddr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	c.conn = conn
	go c.readLoop()
	return nil
}

func (c *Client) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		c.HandleDatagram(buf[:n], addr.IP.String(), addr.Port)
	}
}

// Send registers salt as outstanding (rejecting a duplicate salt) and
// fans req out to coverage shuffled peers.
func (c *Client) Send(req Request, salt string, extra interface{}) error {
	c.mu.Lock()
	if _, exists := c.pending[salt]; exists {
		c.mu.Unlock()
		return &gerrors.ConfdClientError{Msg: fmt.Sprintf("duplicate salt %q", salt)}
	}
	c.pending[salt] = &pendingRequest{request: req, expires: time.Now().Add(requestExpiry), extra: extra}

	peers := append([]string(nil), c.peers...)
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	coverage := c.coverage
	if coverage > len(peers) {
		coverage = len(peers)
	}
	targets := peers[:coverage]
	key := c.key
	conn := c.conn
	c.mu.Unlock()

	datagram, err := Pack(key, req, salt, time.Now())
	if err != nil {
		return err
	}
	if conn == nil {
		return nil // caller is driving HandleDatagram directly (tests)
	}
	for _, peer := range targets {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", peer, c.port))
		if err != nil {
			continue
		}
		_, _ = conn.WriteToUDP(datagram, addr)
	}
	return nil
}

// HandleDatagram verifies and filters an incoming reply datagram,
// delivering it through the Filter (which may suppress it) if the salt
// is still outstanding.
func (c *Client) HandleDatagram(data []byte, serverIP string, serverPort int) {
	var reply Reply
	salt, err := Unpack(c.key, data, time.Now(), &reply)
	if err != nil {
		return // unknown/invalid: silently drop
	}

	c.mu.Lock()
	pending, ok := c.pending[salt]
	c.mu.Unlock()
	if !ok {
		return // no outstanding request for this salt: drop
	}

	c.filter.Accept(ReplyUpcall{
		Salt: salt, ServerReply: reply, ServerIP: serverIP, ServerPort: serverPort,
		OrigRequest: pending.request, ExtraArgs: pending.extra,
	})
}

// ExpireOutstanding scans pending requests and, for every one whose
// deadline has passed, synthesizes an EXPIRE upcall and forgets it. It
// must be called periodically by the owning daemon's event loop (e.g.
// on every send/receive cycle).
func (c *Client) ExpireOutstanding(now time.Time) {
	c.mu.Lock()
	var expired []string
	for salt, p := range c.pending {
		if now.After(p.expires) {
			expired = append(expired, salt)
		}
	}
	for _, salt := range expired {
		delete(c.pending, salt)
	}
	c.mu.Unlock()

	for _, salt := range expired {
		c.filter.Reset(salt)
		if c.callback != nil {
			c.callback(Upcall{Kind: UpcallExpire, ReplyUpcall: ReplyUpcall{Salt: salt}})
		}
	}
}

// Close releases the client's socket, if it was opened via Listen.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
