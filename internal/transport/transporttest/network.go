// Package transporttest provides an in-memory transport for tests.
//
// A Network hands out transports whose identities are registered on
// first call to Identity. Channels between them are a pair of unbounded
// ordered queues, so sends never block and delivery order is exact.
// Hooks on the Network inject identity failures, broken channels and
// accept-loop failures.
package transporttest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hubenchang0515/todo/internal/transport"
)

// Network connects in-memory transports by identity.
type Network struct {
	mu        sync.Mutex
	peers     map[string]*Transport
	next      int
	identity  error
	gate      chan struct{}
	failAfter int
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{peers: make(map[string]*Transport)}
}

// NewTransport creates a transport whose identity will be "peer-N".
func (n *Network) NewTransport() *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.next++
	return &Transport{
		net:      n,
		id:       fmt.Sprintf("peer-%d", n.next),
		incoming: newQueue[*Channel](),
		channels: make(map[*Channel]struct{}),
	}
}

// Factory returns a transport.Factory backed by this network.
func (n *Network) Factory() transport.Factory {
	return func(context.Context) (transport.Transport, error) {
		return n.NewTransport(), nil
	}
}

// FailIdentity makes every later Identity call fail with err wrapped in
// transport.ErrIdentityUnavailable. A nil err restores normal behaviour.
func (n *Network) FailIdentity(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.identity = err
}

// HoldIdentity makes Identity block until the returned release function
// is called or the caller's context ends.
func (n *Network) HoldIdentity() (release func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	gate := make(chan struct{})
	n.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			if n.gate == gate {
				n.gate = nil
			}
			n.mu.Unlock()
			close(gate)
		})
	}
}

// BreakAfter makes channels opened from now on break after count
// messages have been sent on them, as if the link dropped. The receiver
// gets the first count messages followed by a channel error. A negative
// count disables the hook.
func (n *Network) BreakAfter(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failAfter = count + 1
	if count < 0 {
		n.failAfter = 0
	}
}

// Peers returns the number of registered identities.
func (n *Network) Peers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

func (n *Network) register(t *Transport) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.identity != nil {
		return fmt.Errorf("%w: %v", transport.ErrIdentityUnavailable, n.identity)
	}
	if _, taken := n.peers[t.id]; taken {
		return fmt.Errorf("%w: %s is taken", transport.ErrIdentityUnavailable, t.id)
	}
	n.peers[t.id] = t
	return nil
}

func (n *Network) lookup(id string) (*Transport, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id], n.failAfter
}

func (n *Network) unregister(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.peers[t.id] == t {
		delete(n.peers, t.id)
	}
}

func (n *Network) identityGate() chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gate
}

// Transport is an in-memory transport.Transport.
type Transport struct {
	net      *Network
	id       string
	incoming *queue[*Channel]

	mu         sync.Mutex
	registered bool
	closed     bool
	channels   map[*Channel]struct{}
}

var _ transport.Transport = (*Transport)(nil)

// ID returns the identity this transport registers as.
func (t *Transport) ID() string {
	return t.id
}

// Identity registers the transport on the network.
func (t *Transport) Identity(ctx context.Context) (string, error) {
	if gate := t.net.identityGate(); gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", transport.ErrIdentityUnavailable, ctx.Err())
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", transport.ErrClosed
	}
	if t.registered {
		return t.id, nil
	}
	if err := t.net.register(t); err != nil {
		return "", err
	}
	t.registered = true
	return t.id, nil
}

// Connect opens a channel to the transport registered as remote.
func (t *Transport) Connect(ctx context.Context, remote string) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrConnectionFailed, err)
	}
	if t.isClosed() {
		return nil, transport.ErrClosed
	}

	peer, failAfter := t.net.lookup(remote)
	if peer == nil {
		return nil, fmt.Errorf("%w: unknown peer %q", transport.ErrConnectionFailed, remote)
	}

	local, far := newPair(t.id, remote, failAfter)
	if !peer.track(far) {
		return nil, fmt.Errorf("%w: peer %q is closed", transport.ErrConnectionFailed, remote)
	}
	t.track(local)
	peer.incoming.push(far)
	return local, nil
}

// Accept returns the next channel opened to this transport.
func (t *Transport) Accept(ctx context.Context) (transport.Channel, error) {
	ch, err := t.incoming.pop(ctx)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Break makes a pending or later Accept fail, as if the rendezvous
// connection dropped.
func (t *Transport) Break() {
	t.incoming.close(fmt.Errorf("%w: rendezvous connection lost", transport.ErrChannel))
}

// Close unregisters the identity and closes all channels without flush.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := make([]*Channel, 0, len(t.channels))
	for ch := range t.channels {
		channels = append(channels, ch)
	}
	t.mu.Unlock()

	t.net.unregister(t)
	t.incoming.close(transport.ErrClosed)
	for _, ch := range channels {
		_ = ch.Close(false)
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) track(ch *Channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.channels[ch] = struct{}{}
	return true
}

// Channel is one end of an in-memory channel.
type Channel struct {
	remote string
	in     *queue[[]byte]
	peer   *Channel

	mu        sync.Mutex
	sent      int
	failAfter int
	closed    bool
}

var _ transport.Channel = (*Channel)(nil)

func newPair(a, b string, failAfter int) (*Channel, *Channel) {
	ca := &Channel{remote: b, in: newQueue[[]byte](), failAfter: failAfter}
	cb := &Channel{remote: a, in: newQueue[[]byte](), failAfter: failAfter}
	ca.peer, cb.peer = cb, ca
	return ca, cb
}

// Remote returns the identity on the other end.
func (c *Channel) Remote() string {
	return c.remote
}

// Send appends payload to the remote end's queue.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrChannel, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: send on closed channel", transport.ErrChannel)
	}
	c.sent++
	broken := c.failAfter > 0 && c.sent >= c.failAfter
	c.mu.Unlock()

	if broken {
		c.Break()
		return fmt.Errorf("%w: link dropped", transport.ErrChannel)
	}

	msg := append([]byte(nil), payload...)
	if !c.peer.in.push(msg) {
		return fmt.Errorf("%w: remote closed", transport.ErrChannel)
	}
	return nil
}

// Receive returns the next queued payload.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	return c.in.pop(ctx)
}

// Close closes both ends. The remote end drains what was already sent
// and then sees io.EOF with flush or a channel error without.
func (c *Channel) Close(flush bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.in.close(fmt.Errorf("%w: closed locally", transport.ErrChannel))
	if flush {
		c.peer.in.close(io.EOF)
	} else {
		c.peer.in.close(fmt.Errorf("%w: remote closed without flush", transport.ErrChannel))
	}
	return nil
}

// Break terminates both ends abnormally.
func (c *Channel) Break() {
	for _, end := range []*Channel{c, c.peer} {
		end.mu.Lock()
		end.closed = true
		end.mu.Unlock()
		end.in.close(fmt.Errorf("%w: link dropped", transport.ErrChannel))
	}
}

// queue is an unbounded FIFO that keeps its items readable after close.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	err    error
	notify chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{notify: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false
	}
	q.items = append(q.items, v)
	q.signal()
	return true
}

func (q *queue[T]) close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		q.err = err
	}
	q.signal()
}

func (q *queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue[T]) pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			if len(q.items) > 0 || q.err != nil {
				q.signal()
			}
			q.mu.Unlock()
			return v, nil
		}
		if q.err != nil {
			err := q.err
			q.signal()
			q.mu.Unlock()
			return zero, err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
