package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-run/outpost/internal/port"
)

func TestStartReportsBoundAddress(t *testing.T) {
	l := NewListener(Config{})
	defer l.Close()

	addr, err := l.Start()
	require.NoError(t, err)

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.NotEqual(t, "0", portStr)
	assert.Equal(t, addr, l.Addr())
}

func TestAcceptDeliversFirstConnection(t *testing.T) {
	l := NewListener(Config{})
	defer l.Close()

	addr, err := l.Start()
	require.NoError(t, err)

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := l.Accept(ctx)
	require.NoError(t, err)
	defer conn.Close()

	// Bytes flow end to end.
	go client.Write([]byte("ping"))
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestSecondConnectionRejected(t *testing.T) {
	l := NewListener(Config{})
	defer l.Close()

	addr, err := l.Start()
	require.NoError(t, err)

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := l.Accept(ctx)
	require.NoError(t, err)
	defer conn.Close()

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	// The extra connection is closed by the listener: the next read sees EOF.
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	assert.Error(t, err, "extra connection should be closed, not serviced")
}

func TestAcceptHonorsContext(t *testing.T) {
	l := NewListener(Config{})
	defer l.Close()

	_, err := l.Start()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = l.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcceptAfterClose(t *testing.T) {
	l := NewListener(Config{})
	_, err := l.Start()
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Accept(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseIdempotent(t *testing.T) {
	l := NewListener(Config{})
	_, err := l.Start()
	require.NoError(t, err)

	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}

func TestPortRangeBinding(t *testing.T) {
	alloc := port.NewAllocator(22000, 22100)
	l := NewListener(Config{Ports: alloc, Owner: "test-engine"})

	addr, err := l.Start()
	require.NoError(t, err)

	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	assert.Equal(t, alloc.Held("test-engine"), atoiOrZero(portStr))

	require.NoError(t, l.Close())
	assert.Zero(t, alloc.Held("test-engine"), "close should release the allocation")
}

func atoiOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
