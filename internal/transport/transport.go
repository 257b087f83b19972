// Package transport defines the peer messaging capability used by
// replication: an identity assigned by a rendezvous service, outbound
// and inbound channels between identities, and ordered delivery of
// opaque messages over each channel.
//
// Implementations must deliver messages on a channel in the order they
// were sent, and a channel closed with flush must deliver everything
// sent before the close to the remote side before the remote observes
// the close.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrIdentityUnavailable is returned by Identity when the rendezvous
	// service did not assign an identity.
	ErrIdentityUnavailable = errors.New("identity unavailable")

	// ErrConnectionFailed is returned by Connect when no channel to the
	// remote identity could be established.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrChannel wraps every abnormal channel termination.
	ErrChannel = errors.New("channel error")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// Transport gives an instance an identity and channels to other
// instances.
type Transport interface {
	// Identity blocks until the rendezvous service assigned this
	// instance an identity. It is called once per transport.
	Identity(ctx context.Context) (string, error)

	// Connect opens a channel to remote. It returns once the channel is
	// open on both sides.
	Connect(ctx context.Context, remote string) (Channel, error)

	// Accept blocks until a peer opens a channel to this instance.
	Accept(ctx context.Context) (Channel, error)

	// Close releases the identity and closes all channels.
	Close() error
}

// Channel is an ordered, bidirectional message stream between two
// identities.
type Channel interface {
	// Send queues payload for delivery.
	Send(ctx context.Context, payload []byte) error

	// Receive returns the next payload. It returns io.EOF once the
	// remote side closed the channel normally and an error wrapping
	// ErrChannel on any other termination.
	Receive(ctx context.Context) ([]byte, error)

	// Close closes the channel. With flush, pending sends are delivered
	// before the remote side sees the close; without it they may be
	// dropped and the remote sees an abnormal termination.
	Close(flush bool) error

	// Remote returns the identity on the other end.
	Remote() string
}

// Factory creates a fresh transport for a new session.
type Factory func(ctx context.Context) (Transport, error)
