// Package subside implements the UMPS subscribe endpoint: joining and
// leaving multicast groups, reassembling fragmented messages, driving
// the lost-frame retransmission timer, deduplicating already-delivered
// messages, and invoking the façade's message callback.
package subside

import (
	"context"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/ipv4"

	"github.com/ignirtoq/umps-go/internal/errs"
	"github.com/ignirtoq/umps-go/internal/ulog"
	"github.com/ignirtoq/umps-go/wire"
)

const (
	// DefaultTimeout is how long the endpoint waits for missing
	// frames before requesting retransmission.
	DefaultTimeout = 3 * time.Second
	// DedupCacheSize bounds the completed-UID set used to suppress
	// duplicate delivery when a straggler frame arrives late.
	DedupCacheSize = 1024
)

// OnMessage is invoked exactly once per completed message, with the
// topic taken from its Start frame and the concatenated body.
type OnMessage func(topic string, body []byte)

// partial is the reassembly state for one in-flight multi-frame
// message.
type partial struct {
	total    uint8
	frames   []*wire.Frame // sparse, indexed by frame index
	missing  map[uint8]struct{}
	deadline time.Time
	source   *net.UDPAddr
}

type groupCmd struct {
	group net.IP
	join  bool
}

type recvDatagram struct {
	data []byte
	addr *net.UDPAddr
}

// Endpoint is the subscribe side of UMPS. A single goroutine owns the
// reassembly tables, the dedup set, and group membership state,
// serializing socket reads, timer fires, and join/leave requests.
type Endpoint struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	log  ulog.Logger

	timeout   time.Duration
	onMessage OnMessage

	incomplete map[uint64]*partial
	dedup      *lru.Cache[uint64, struct{}]

	recvCh    chan recvDatagram
	timerCh   chan uint64
	groupCh   chan groupCmd
	groupDone chan error
	closed    chan struct{}
}

// Open binds a UDP socket to the wildcard address and port with
// SO_REUSEADDR (so multiple subscribers on the same host can bind the
// same port, matching the wire protocol's unicast retransmission
// addressing) and starts the endpoint's loops.
func Open(ctx context.Context, port int, timeout time.Duration, log ulog.Logger, onMessage OnMessage) (*Endpoint, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	conn, err := listenReusable(port)
	if err != nil {
		return nil, err
	}

	dedup, err := lru.New[uint64, struct{}](DedupCacheSize)
	if err != nil {
		conn.Close()
		return nil, err
	}

	e := &Endpoint{
		conn:       conn,
		pc:         ipv4.NewPacketConn(conn),
		log:        log,
		timeout:    timeout,
		onMessage:  onMessage,
		incomplete: make(map[uint64]*partial),
		dedup:      dedup,
		recvCh:     make(chan recvDatagram, 16),
		timerCh:    make(chan uint64, 16),
		groupCh:    make(chan groupCmd),
		groupDone:  make(chan error),
		closed:     make(chan struct{}),
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
		case dg := <-e.recvCh:
			e.handleDatagram(dg.data, dg.addr)
		case uid := <-e.timerCh:
			e.handleTimerFire(uid)
		case cmd := <-e.groupCh:
			e.groupDone <- e.handleGroupCmd(cmd)
		case <-e.closed:
			return
		}
	}
}

// Subscribe issues IP_ADD_MEMBERSHIP for group. If the endpoint has
// been closed, it logs and returns without error; callers can treat
// group membership changes as fire-and-forget.
func (e *Endpoint) Subscribe(group net.IP) {
	e.sendGroupCmd(group, true)
}

// Unsubscribe issues IP_DROP_MEMBERSHIP for group.
func (e *Endpoint) Unsubscribe(group net.IP) {
	e.sendGroupCmd(group, false)
}

func (e *Endpoint) sendGroupCmd(group net.IP, join bool) {
	select {
	case e.groupCh <- groupCmd{group: group, join: join}:
	case <-e.closed:
		e.log.Errorf("cannot change membership for %s: endpoint closed", group)
		return
	}
	if err := <-e.groupDone; err != nil {
		e.log.Errorf("multicast membership change for %s failed: %v", group, err)
	}
}

func (e *Endpoint) handleGroupCmd(cmd groupCmd) error {
	addr := &net.UDPAddr{IP: cmd.group}
	if cmd.join {
		return e.pc.JoinGroup(nil, addr)
	}
	return e.pc.LeaveGroup(nil, addr)
}

func (e *Endpoint) handleDatagram(data []byte, addr *net.UDPAddr) {
	frame, err := wire.Parse(data)
	if err != nil {
		e.log.Warnf("discarding malformed datagram from %s: %v", addr, err)
		return
	}

	if frame.Type == wire.Dropped {
		e.purge(frame.UID)
		return
	}

	if p, ok := e.incomplete[frame.UID]; ok {
		e.updateIncomplete(p, frame)
		return
	}

	if e.dedup.Contains(frame.UID) {
		e.log.Warnf("discarding duplicate straggler frame for completed message %d", frame.UID)
		return
	}

	e.handleUnknown(frame, addr)
}

func (e *Endpoint) handleUnknown(frame wire.Frame, addr *net.UDPAddr) {
	if frame.Index == 0 && frame.TotalFrames == 1 {
		e.complete(frame.UID, []*wire.Frame{&frame})
		return
	}

	frames := make([]*wire.Frame, frame.TotalFrames)
	f := frame
	frames[frame.Index] = &f
	missing := make(map[uint8]struct{}, frame.TotalFrames-1)
	for i := uint8(0); i < frame.TotalFrames; i++ {
		if i != frame.Index {
			missing[i] = struct{}{}
		}
	}

	p := &partial{
		total:    frame.TotalFrames,
		frames:   frames,
		missing:  missing,
		deadline: time.Now().Add(e.timeout),
		source:   addr,
	}
	e.incomplete[frame.UID] = p
	e.scheduleTimer(frame.UID, p.deadline)
}

func (e *Endpoint) updateIncomplete(p *partial, frame wire.Frame) {
	if frame.TotalFrames != p.total || int(frame.Index) >= len(p.frames) {
		e.log.Warnf("discarding frame for message %d: total-frames %d, index %d does not match in-progress total %d",
			frame.UID, frame.TotalFrames, frame.Index, p.total)
		return
	}

	f := frame
	p.frames[frame.Index] = &f
	delete(p.missing, frame.Index)

	if len(p.missing) == 0 {
		delete(e.incomplete, frame.UID)
		e.complete(frame.UID, p.frames)
		return
	}

	p.deadline = time.Now().Add(e.timeout)
}

// complete validates that frames[0] is a Start frame, concatenates the
// body of every frame in index order, records the UID in the dedup
// set, and invokes onMessage exactly once. Any incomplete-message
// bookkeeping for uid must already have been torn down by the caller.
func (e *Endpoint) complete(uid uint64, frames []*wire.Frame) {
	first := frames[0]
	if first == nil || first.Type != wire.Start {
		e.log.Warnf("%v: message %d's frame 0 is not a start frame, purging", errs.ErrMalformedMessage, uid)
		return
	}

	var body []byte
	for _, f := range frames {
		body = append(body, f.Body...)
	}

	e.dedup.Add(uid, struct{}{})
	e.onMessage(first.Topic, body)
}

func (e *Endpoint) purge(uid uint64) {
	delete(e.incomplete, uid)
}

func (e *Endpoint) scheduleTimer(uid uint64, at time.Time) {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() {
		select {
		case e.timerCh <- uid:
		case <-e.closed:
		}
	})
}

// handleTimerFire implements the "defer-and-recheck" idiom: a fired
// timer either sends retransmission requests and reschedules itself,
// or, if the stored deadline has moved since the timer was scheduled
// (a new frame arrived in the meantime), simply reschedules at the new
// deadline without doing any work.
func (e *Endpoint) handleTimerFire(uid uint64) {
	p, ok := e.incomplete[uid]
	if !ok {
		return
	}

	now := time.Now()
	if p.deadline.After(now) {
		e.scheduleTimer(uid, p.deadline)
		return
	}

	for idx := range p.missing {
		req := wire.PackRequest(uid, idx, p.total)
		if _, err := e.conn.WriteToUDP(wire.Marshal(req), p.source); err != nil {
			e.log.Warnf("requesting missing frame %d of message %d failed: %v", idx, uid, err)
		}
	}

	p.deadline = now.Add(e.timeout)
	e.scheduleTimer(uid, p.deadline)
}

// Close is idempotent.
func (e *Endpoint) Close() error {
	select {
	case <-e.closed:
		return nil
	default:
	}
	close(e.closed)
	return e.conn.Close()
}
