// Package umps is the UMPS interface façade: it maps topics onto
// multicast group addresses within a configured network range, owns
// one publish endpoint and one subscribe endpoint, and routes
// completed messages to registered callbacks.
package umps

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ignirtoq/umps-go/internal/errs"
	"github.com/ignirtoq/umps-go/internal/ulog"
	"github.com/ignirtoq/umps-go/pubside"
	"github.com/ignirtoq/umps-go/subside"
	"github.com/ignirtoq/umps-go/tophash"
)

// Callback is invoked once per completed message delivered for a
// subscribed topic.
type Callback func(topic string, body []byte)

type subscription struct {
	topics map[string][]Callback // topic -> registered callbacks, in registration order
}

// Interface is the entry point for publishing and subscribing on a
// UMPS network. A single Interface owns one publish endpoint and one
// subscribe endpoint; both are started by one background goroutine
// launched at New, the publish endpoint first and then the subscribe
// endpoint (not in parallel with each other), and that startup is
// awaited by the first caller that needs them.
type Interface struct {
	network *net.IPNet
	port    int
	nbins   int
	log     ulog.Logger

	opts options

	startupOnce sync.Once
	startupDone chan struct{}
	startupErr  error
	startupCtx  context.Context
	cancel      context.CancelFunc

	pub *pubside.Endpoint
	sub *subside.Endpoint

	mu            sync.RWMutex
	subscriptions map[string]*subscription // group address string -> its topic table

	closeOnce sync.Once
}

// New constructs an Interface for the given multicast network and
// port and begins starting its endpoints asynchronously. The returned
// Interface's first Publish/Subscribe/Unsubscribe call blocks until
// that startup resolves (or the passed context is cancelled first).
func New(network *net.IPNet, port int, opts ...Option) (*Interface, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.protocolVersion != 1 {
		return nil, fmt.Errorf("%w: %d", errs.ErrUnsupportedProtocolVersion, o.protocolVersion)
	}

	nbins, err := tophash.NumBins(network)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	iface := &Interface{
		network:       network,
		port:          port,
		nbins:         nbins,
		log:           ulog.New("umps"),
		opts:          o,
		startupDone:   make(chan struct{}),
		startupCtx:    ctx,
		cancel:        cancel,
		subscriptions: make(map[string]*subscription),
	}

	go iface.startup()

	return iface, nil
}

func (i *Interface) startup() {
	defer close(i.startupDone)

	pub, err := pubside.Open(i.startupCtx, i.opts.publishCacheSize, i.opts.ttl, ulog.New("umps/pub"))
	if err != nil {
		if i.startupCtx.Err() != nil {
			return
		}
		i.startupErr = err
		return
	}

	sub, err := subside.Open(i.startupCtx, i.port, i.opts.reassemblyTimeout, ulog.New("umps/sub"), i.dispatch)
	if err != nil {
		pub.Close()
		if i.startupCtx.Err() != nil {
			return
		}
		i.startupErr = err
		return
	}

	i.pub = pub
	i.sub = sub
}

// awaitStartup blocks until endpoint startup resolves or ctx is
// cancelled, whichever comes first.
func (i *Interface) awaitStartup(ctx context.Context) error {
	select {
	case <-i.startupDone:
		return i.startupErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Interface) groupFor(topic string) net.IP {
	bin := tophash.Hash(topic, i.nbins)
	ip, err := tophash.HostAt(i.network, bin)
	if err != nil {
		// nbins was computed from the same network, so this only
		// happens if Hash and NumBins disagree, which would be a bug
		// in tophash itself.
		panic(fmt.Sprintf("umps: hash bin %d out of range for network %s: %v", bin, i.network, err))
	}
	return ip
}

// Publish hashes topic to its multicast group and hands the message
// to the publish endpoint. It blocks only on endpoint startup, never
// on wire I/O.
func (i *Interface) Publish(ctx context.Context, topic string, body []byte) error {
	if err := i.awaitStartup(ctx); err != nil {
		return err
	}
	if i.pub == nil {
		return errs.ErrNotConnected
	}
	dest := &net.UDPAddr{IP: i.groupFor(topic), Port: i.port}
	return i.pub.Publish(dest, topic, body)
}

// Subscribe joins the multicast group for topic's bin if it is not
// already joined, then registers cb to be invoked for every completed
// message on topic.
func (i *Interface) Subscribe(ctx context.Context, topic string, cb Callback) error {
	if err := i.awaitStartup(ctx); err != nil {
		return err
	}
	if i.sub == nil {
		return errs.ErrNotConnected
	}

	group := i.groupFor(topic)
	key := group.String()

	// The group join below blocks on the subscribe endpoint's owning
	// goroutine, which also calls dispatch (and therefore needs i.mu).
	// Do the table bookkeeping under the lock, then join afterward with
	// the lock released, so the two never wait on each other.
	i.mu.Lock()
	s, ok := i.subscriptions[key]
	needsJoin := !ok
	if !ok {
		s = &subscription{topics: make(map[string][]Callback)}
		i.subscriptions[key] = s
	}
	s.topics[topic] = append(s.topics[topic], cb)
	i.mu.Unlock()

	if needsJoin {
		i.sub.Subscribe(group)
	}
	return nil
}

// Unsubscribe removes topic and all of its callbacks. If that leaves
// its group with no subscribed topics, the group is left and its
// entry dropped.
func (i *Interface) Unsubscribe(ctx context.Context, topic string) error {
	if err := i.awaitStartup(ctx); err != nil {
		return err
	}
	if i.sub == nil {
		return errs.ErrNotConnected
	}

	group := i.groupFor(topic)
	key := group.String()

	i.mu.Lock()
	s, ok := i.subscriptions[key]
	if !ok {
		i.mu.Unlock()
		return errs.ErrNotSubscribed
	}
	if _, ok := s.topics[topic]; !ok {
		i.mu.Unlock()
		return errs.ErrNotSubscribed
	}

	delete(s.topics, topic)
	needsLeave := len(s.topics) == 0
	if needsLeave {
		delete(i.subscriptions, key)
	}
	i.mu.Unlock()

	// See the comment in Subscribe: the leave call is made with the
	// lock released so it can't wait on dispatch waiting on the lock.
	if needsLeave {
		i.sub.Unsubscribe(group)
	}
	return nil
}

// dispatch is the subscribe endpoint's OnMessage callback: it looks up
// topic's registered callbacks and invokes each in registration order.
// A topic with no callbacks is logged and discarded.
func (i *Interface) dispatch(topic string, body []byte) {
	i.mu.RLock()
	group := i.groupFor(topic)
	s, ok := i.subscriptions[group.String()]
	var cbs []Callback
	if ok {
		cbs = append(cbs, s.topics[topic]...)
	}
	i.mu.RUnlock()

	if len(cbs) == 0 {
		i.log.Warnf("received %q message with no registered callbacks", topic)
		return
	}
	for _, cb := range cbs {
		cb(topic, body)
	}
}

// Terminate cancels any still-running startup and closes both
// endpoints if they started. It is idempotent.
func (i *Interface) Terminate(ctx context.Context) error {
	var err error
	i.closeOnce.Do(func() {
		i.cancel()
		select {
		case <-i.startupDone:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		if i.pub != nil {
			if cerr := i.pub.Close(); cerr != nil {
				err = cerr
			}
		}
		if i.sub != nil {
			if cerr := i.sub.Close(); cerr != nil {
				err = cerr
			}
		}
	})
	return err
}
