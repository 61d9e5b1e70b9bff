// Package luxi implements the local UNIX-socket transport the CLIs and
// the RAPI daemon use to talk to the master: a
// stream of JSON messages, each terminated by a single EOM byte that the
// sender guarantees never appears inside a payload.
package luxi

import (
	"bufio"
	"bytes"
	"net"
	"time"

	jsoniter "github.com/json-iterator/go"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
)

// eom terminates every message on the wire. JSON never emits a raw ETX
// byte, but Send still rejects payloads containing one rather
// than silently corrupting the stream.
const eom = byte(0x03)

const (
	// DefaultConnectTimeout bounds the initial dial.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultRWTimeout bounds each single read or write; a full receive
	// is allowed twice this, since a reply can straddle reads.
	DefaultRWTimeout = 60 * time.Second
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Transport frames messages over one stream connection. It is not safe
// for concurrent use; LUXI is strictly request/reply per connection.
type Transport struct {
	conn      net.Conn
	reader    *bufio.Reader
	rwTimeout time.Duration
}

// Dial connects to the LUXI socket at path.
func Dial(path string, connectTimeout, rwTimeout time.Duration) (*Transport, error) {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if rwTimeout <= 0 {
		rwTimeout = DefaultRWTimeout
	}
	conn, err := net.DialTimeout("unix", path, connectTimeout)
	if err != nil {
		return nil, err
	}
	return NewTransport(conn, rwTimeout), nil
}

// NewTransport wraps an established connection (the server side uses
// this on accepted connections).
func NewTransport(conn net.Conn, rwTimeout time.Duration) *Transport {
	if rwTimeout <= 0 {
		rwTimeout = DefaultRWTimeout
	}
	return &Transport{conn: conn, reader: bufio.NewReader(conn), rwTimeout: rwTimeout}
}

// Send writes one payload followed by the EOM marker. Payloads that
// contain the marker byte are rejected before anything hits the wire.
func (t *Transport) Send(payload []byte) error {
	if bytes.IndexByte(payload, eom) >= 0 {
		return gerrors.NewProgrammerError("luxi payload contains the message terminator byte")
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.rwTimeout)); err != nil {
		return err
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, eom)
	_, err := t.conn.Write(buf)
	return err
}

// Recv reads one payload up to (and excluding) the next EOM marker. The
// whole receive is bounded by twice the read/write timeout, regardless
// of how many reads it takes.
func (t *Transport) Recv() ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(2 * t.rwTimeout)); err != nil {
		return nil, err
	}
	data, err := t.reader.ReadBytes(eom)
	if err != nil {
		return nil, err
	}
	return data[:len(data)-1], nil
}

// Close closes the underlying connection.
func (t *Transport) Close() error { return t.conn.Close() }

// request is the {method, args} JSON envelope of every LUXI call.
type request struct {
	Method string              `json:"method"`
	Args   jsoniter.RawMessage `json:"args"`
}

// response is the {success, result} JSON envelope of every LUXI reply.
// On failure, Result carries an errors.Envelope.
type response struct {
	Success bool                `json:"success"`
	Result  jsoniter.RawMessage `json:"result"`
}
