package luxi

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
)

func TestTransportRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	ta := NewTransport(a, time.Second)
	tb := NewTransport(b, time.Second)
	defer ta.Close()
	defer tb.Close()

	done := make(chan error, 1)
	go func() { done <- ta.Send([]byte(`{"method":"QueryJobs","args":null}`)) }()

	payload, err := tb.Recv()
	require.NoError(t, err)
	assert.Equal(t, `{"method":"QueryJobs","args":null}`, string(payload))
	require.NoError(t, <-done)
}

func TestTransportRejectsEmbeddedTerminator(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ta := NewTransport(a, time.Second)
	defer ta.Close()

	err := ta.Send([]byte{'x', eom, 'y'})
	require.Error(t, err)
	var pe *gerrors.ProgrammerError
	assert.ErrorAs(t, err, &pe)
}

func TestTransportSplitsBackToBackMessages(t *testing.T) {
	a, b := net.Pipe()
	ta := NewTransport(a, time.Second)
	tb := NewTransport(b, time.Second)
	defer ta.Close()
	defer tb.Close()

	go func() {
		_ = ta.Send([]byte("first"))
		_ = ta.Send([]byte("second"))
	}()

	msg1, err := tb.Recv()
	require.NoError(t, err)
	msg2, err := tb.Recv()
	require.NoError(t, err)
	assert.Equal(t, "first", string(msg1))
	assert.Equal(t, "second", string(msg2))
}

func TestTransportRecvTimesOut(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ta := NewTransport(a, 20*time.Millisecond)
	defer ta.Close()

	start := time.Now()
	_, err := ta.Recv()
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
