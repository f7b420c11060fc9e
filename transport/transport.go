// Package transport abstracts the two sides of a tunnel. A mode picks one
// Listener and one Dialer, each backed either by plain TCP or by the overlay
// reached through a sam.Client.
package transport

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// ErrListenerClosed is returned by Accept once the listener, or the session
// behind it, is gone. Any other Accept error only affects that attempt.
var ErrListenerClosed = errors.New("transport: listener closed")

// Stream is a reliable, ordered byte stream that can be half-closed.
type Stream interface {
	net.Conn

	// CloseWrite signals end of stream to the peer. Reads are unaffected.
	CloseWrite() error
}

// Listener produces inbound streams.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Addr() net.Addr
	Close() error
}

// Dialer opens outbound streams to a target whose format depends on the
// implementation.
type Dialer interface {
	Dial(ctx context.Context, target string) (Stream, error)
}
