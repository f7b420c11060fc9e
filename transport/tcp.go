package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// TCPListener accepts TCP connections.
type TCPListener struct {
	l *net.TCPListener
}

var _ Listener = &TCPListener{}

// ListenTCP binds addr ("host:port").
func ListenTCP(ctx context.Context, addr string) (*TCPListener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	return &TCPListener{l: l.(*net.TCPListener)}, nil
}

// Accept waits for the next connection. Cancelling ctx unblocks the wait
// without closing the listener.
func (t *TCPListener) Accept(ctx context.Context) (Stream, error) {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		t.l.SetDeadline(time.Unix(1, 0))
		close(fired)
	})
	c, err := t.l.AcceptTCP()
	if !stop() {
		<-fired
		if c != nil {
			c.Close()
		}
		t.l.SetDeadline(time.Time{})
		return nil, ctx.Err()
	}
	if errors.Is(err, net.ErrClosed) {
		return nil, ErrListenerClosed
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (t *TCPListener) Addr() net.Addr {
	return t.l.Addr()
}

func (t *TCPListener) Close() error {
	return t.l.Close()
}

// TCPDialer connects to "host:port" targets. A zero Timeout means no limit
// beyond the context.
type TCPDialer struct {
	Timeout time.Duration
}

var _ Dialer = TCPDialer{}

func (d TCPDialer) Dial(ctx context.Context, target string) (Stream, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	c, err := nd.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	return c.(*net.TCPConn), nil
}
