// Package pubside implements the UMPS publish endpoint: sending frames
// for a published message, caching the packed-and-retargeted frames so
// a lost-frame retransmission request can be answered without
// re-packing, and bounding that cache by eviction in insertion order.
package pubside

import (
	"context"
	"net"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"github.com/ignirtoq/umps-go/internal/errs"
	"github.com/ignirtoq/umps-go/internal/udpsock"
	"github.com/ignirtoq/umps-go/internal/ulog"
	"github.com/ignirtoq/umps-go/wire"
)

const (
	// DefaultCacheSize is how many outbound messages the publish
	// endpoint keeps available to answer retransmission requests.
	DefaultCacheSize = 20
	// DefaultTTL is the multicast time-to-live set on the publish
	// socket at open.
	DefaultTTL = 3
)

// cacheEntry is the retargeted, already-marshaled byte form of every
// frame of one published message, indexed by frame index.
type cacheEntry struct {
	frames [][]byte
}

type publishRequest struct {
	dest   *net.UDPAddr
	topic  string
	body   []byte
	result chan error
}

type recvDatagram struct {
	data []byte
	addr *net.UDPAddr
}

// Endpoint is the publish side of UMPS: one datagram socket, one
// insertion-ordered cache of outbound messages, and a single goroutine
// that owns both, serializing publishes, retransmission requests, and
// cache eviction exactly as a single-threaded event loop would.
type Endpoint struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	log  ulog.Logger

	cache     *lru.Cache[uint64, *cacheEntry]
	publishCh chan publishRequest
	recvCh    chan recvDatagram
	closed    chan struct{}
}

// Open binds an ephemeral UDP socket with SO_REUSEADDR, sets its
// multicast TTL, and starts the endpoint's receive and command loops.
// Open blocks on socket setup; callers that want that blocking to be
// cancellable should run Open in a goroutine and select on ctx.
func Open(ctx context.Context, cacheSize, ttl int, log ulog.Logger) (*Endpoint, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	conn, err := udpsock.ListenReusable("", 0)
	if err != nil {
		return nil, err
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(ttl); err != nil {
		log.Warnf("could not set multicast TTL to %d: %v", ttl, err)
	}

	cache, err := lru.New[uint64, *cacheEntry](cacheSize)
	if err != nil {
		conn.Close()
		return nil, err
	}

	e := &Endpoint{
		conn:      conn,
		pc:        pc,
		log:       log,
		cache:     cache,
		publishCh: make(chan publishRequest),
		recvCh:    make(chan recvDatagram, 16),
		closed:    make(chan struct{}),
	}

	go e.readLoop()
	go e.run()

	select {
	case <-ctx.Done():
		e.Close()
		return nil, ctx.Err()
	default:
	}

	return e, nil
}

func (e *Endpoint) readLoop() {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case e.recvCh <- recvDatagram{data: data, addr: addr}:
		case <-e.closed:
			return
		}
	}
}

func (e *Endpoint) run() {
	for {
		select {
		case req := <-e.publishCh:
			req.result <- e.handlePublish(req)
		case dg := <-e.recvCh:
			e.handleDatagram(dg.data, dg.addr)
		case <-e.closed:
			return
		}
	}
}

// Publish generates a fresh UID, fragments body into frames, sends
// each frame to dest, and caches the retargeted frames so a later
// FRAME_REQUEST can be answered. It fails with errs.ErrNotConnected if
// the endpoint is closed.
func (e *Endpoint) Publish(dest *net.UDPAddr, topic string, body []byte) error {
	result := make(chan error, 1)
	select {
	case e.publishCh <- publishRequest{dest: dest, topic: topic, body: body, result: result}:
	case <-e.closed:
		return errs.ErrNotConnected
	}
	select {
	case err := <-result:
		return err
	case <-e.closed:
		return errs.ErrNotConnected
	}
}

func (e *Endpoint) handlePublish(req publishRequest) error {
	uid := generateUID()
	frames, err := wire.Pack(uid, req.topic, req.body)
	if err != nil {
		return err
	}

	for _, f := range frames {
		if _, err := e.conn.WriteToUDP(wire.Marshal(f), req.dest); err != nil {
			return err
		}
	}

	wire.Retarget(frames)
	entry := &cacheEntry{frames: make([][]byte, len(frames))}
	for i, f := range frames {
		entry.frames[i] = wire.Marshal(f)
	}
	e.cache.Add(uid, entry)
	return nil
}

func (e *Endpoint) handleDatagram(data []byte, addr *net.UDPAddr) {
	frame, err := wire.Parse(data)
	if err != nil {
		e.log.Warnf("discarding malformed datagram from %s: %v", addr, err)
		return
	}

	if frame.Type != wire.Request {
		e.log.Warnf("received non-request frame type %s from %s; ignoring", frame.Type, addr)
		return
	}

	// Peek, not Get: answering a retransmission request must not
	// refresh the entry's recency, or a frequently-requested old
	// message would outlive newer ones and violate the cache's
	// insertion-order (not access-order) eviction contract.
	entry, ok := e.cache.Peek(frame.UID)
	if ok && int(frame.Index) < len(entry.frames) {
		if _, err := e.conn.WriteToUDP(entry.frames[frame.Index], addr); err != nil {
			e.log.Warnf("send to %s failed: %v", addr, err)
		}
		return
	}

	drop := wire.PackDrop(frame.UID, frame.Index, frame.TotalFrames)
	if _, err := e.conn.WriteToUDP(wire.Marshal(drop), addr); err != nil {
		e.log.Warnf("send drop notification to %s failed: %v", addr, err)
	}
}

// CachedUIDs returns the UIDs currently held in the publish cache,
// oldest insertion first. It exists mainly to make cache-eviction
// behavior observable in tests.
func (e *Endpoint) CachedUIDs() []uint64 {
	return e.cache.Keys()
}

// Close is idempotent; it releases the socket and stops the endpoint's
// goroutines.
func (e *Endpoint) Close() error {
	select {
	case <-e.closed:
		return nil
	default:
	}
	close(e.closed)
	return e.conn.Close()
}

// generateUID derives a 64-bit message UID from the upper 64 bits of a
// random UUID.
func generateUID() uint64 {
	id := uuid.New()
	b := id[:8]
	var uid uint64
	for _, c := range b {
		uid = uid<<8 | uint64(c)
	}
	return uid
}
