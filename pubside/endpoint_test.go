package pubside

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignirtoq/umps-go/internal/errs"
	"github.com/ignirtoq/umps-go/internal/ulog"
	"github.com/ignirtoq/umps-go/wire"
)

func openTestEndpoint(t *testing.T, cacheSize int) *Endpoint {
	t.Helper()
	e, err := Open(context.Background(), cacheSize, 1, ulog.New("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// loopback gives the endpoint a destination it can reach on localhost
// so Publish's sendto calls succeed without real multicast routing.
func loopback(t *testing.T, port int) *net.UDPAddr {
	t.Helper()
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func TestPublishCachesRetargetedFrames(t *testing.T) {
	e := openTestEndpoint(t, DefaultCacheSize)

	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer listener.Close()

	err = e.Publish(loopback(t, listener.LocalAddr().(*net.UDPAddr).Port), "t", []byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, wire.MaxDatagramSize)
	listener.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)

	frame, err := wire.Parse(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, wire.Start, frame.Type)
	assert.Equal(t, "hello", string(frame.Body))

	assert.Eventually(t, func() bool {
		return len(e.CachedUIDs()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPublishFailsWhenClosed(t *testing.T) {
	e := openTestEndpoint(t, DefaultCacheSize)
	require.NoError(t, e.Close())

	err := e.Publish(loopback(t, 50123), "t", []byte("x"))
	assert.ErrorIs(t, err, errs.ErrNotConnected)
}

func TestCacheEvictsInInsertionOrder(t *testing.T) {
	e := openTestEndpoint(t, 1)

	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer listener.Close()
	dest := loopback(t, listener.LocalAddr().(*net.UDPAddr).Port)

	require.NoError(t, e.Publish(dest, "t", []byte("A")))
	drainOne(t, listener)
	require.Eventually(t, func() bool { return len(e.CachedUIDs()) == 1 }, time.Second, 10*time.Millisecond)
	firstUID := e.CachedUIDs()[0]

	require.NoError(t, e.Publish(dest, "t", []byte("B")))
	drainOne(t, listener)

	require.Eventually(t, func() bool { return len(e.CachedUIDs()) == 1 }, time.Second, 10*time.Millisecond)
	assert.NotEqual(t, firstUID, e.CachedUIDs()[0])
}

func TestRequestForEvictedUIDGetsDropNotification(t *testing.T) {
	e := openTestEndpoint(t, 1)

	requester, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer requester.Close()

	// Publish A, then B, evicting A.
	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: requester.LocalAddr().(*net.UDPAddr).Port}
	require.NoError(t, e.Publish(dest, "t", []byte("A")))
	frameA := readFrame(t, requester)
	require.NoError(t, e.Publish(dest, "t", []byte("B")))
	readFrame(t, requester)

	// Request a frame from the now-evicted message A.
	req := wire.PackRequest(frameA.UID, 0, frameA.TotalFrames)
	_, err = requester.WriteToUDP(wire.Marshal(req), e.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	reply := readFrame(t, requester)
	assert.Equal(t, wire.Dropped, reply.Type)
	assert.Equal(t, frameA.UID, reply.UID)
}

func drainOne(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	buf := make([]byte, wire.MaxDatagramSize)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
}

func readFrame(t *testing.T, conn *net.UDPConn) wire.Frame {
	t.Helper()
	buf := make([]byte, wire.MaxDatagramSize)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	f, err := wire.Parse(buf[:n])
	require.NoError(t, err)
	return f
}
