// Package proxy relays bytes between two streams until both directions end.
package proxy

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"hop.computer/samtun/transport"
)

// BufferSize is the chunk size of a single read.
const BufferSize = 32 * 1024

// Connection pairs two live streams. A is usually the accepted side and B the
// dialed side.
type Connection struct {
	ID string

	a, b transport.Stream
	log  *logrus.Entry

	state atomic.Int32
	ended atomic.Int32
	aToB  atomic.Int64
	bToA  atomic.Int64

	m sync.Mutex
	// +checklocks:m
	cause error
}

// NewID returns a short identifier for log lines.
func NewID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// NewConnection pairs a and b. Nothing is copied until Run.
func NewConnection(id string, a, b transport.Stream, log *logrus.Entry) *Connection {
	return &Connection{
		ID:  id,
		a:   a,
		b:   b,
		log: log.WithField("conn", id),
	}
}

// Relay copies between a and b until both directions reached end of stream,
// either side fails, or ctx is cancelled. Both streams are closed on return.
// The returned error is the first read or write failure, or ctx.Err().
func Relay(ctx context.Context, a, b transport.Stream, log *logrus.Entry) (*Connection, error) {
	c := NewConnection(NewID(), a, b, log)
	return c, c.Run(ctx)
}

// State returns the current state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Sent returns the number of bytes written to B.
func (c *Connection) Sent() int64 {
	return c.aToB.Load()
}

// Received returns the number of bytes written to A.
func (c *Connection) Received() int64 {
	return c.bToA.Load()
}

// Run relays until the connection is closed. It must be called once.
func (c *Connection) Run(ctx context.Context) error {
	c.state.Store(int32(Relaying))
	c.log.Debugf("relaying %s <-> %s", c.a.RemoteAddr(), c.b.RemoteAddr())

	stop := context.AfterFunc(ctx, func() {
		c.fail(ctx.Err())
	})

	var g errgroup.Group
	g.Go(func() error {
		return c.pipe(c.b, c.a, &c.aToB, "a->b")
	})
	g.Go(func() error {
		return c.pipe(c.a, c.b, &c.bToA, "b->a")
	})
	g.Wait()
	if !stop() {
		c.fail(ctx.Err())
	}

	c.closeStreams()
	if err := c.failure(); err != nil {
		c.log.Infof("closed after failure: %v (sent %s received %s)", err,
			sizestr.ToString(c.Sent()), sizestr.ToString(c.Received()))
	} else {
		c.log.Infof("closed (sent %s received %s)",
			sizestr.ToString(c.Sent()), sizestr.ToString(c.Received()))
	}
	c.state.Store(int32(Closed))
	return c.failure()
}

// pipe copies src into dst. End of stream on src half-closes dst; any error
// fails the whole connection.
func (c *Connection) pipe(dst, src transport.Stream, count *atomic.Int64, dir string) error {
	buf := make([]byte, BufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			count.Add(int64(w))
			if werr != nil {
				err := errors.Wrapf(werr, "%s write", dir)
				c.fail(err)
				return err
			}
		}
		if rerr == io.EOF || (n == 0 && rerr == nil) {
			c.halfClose(dst, dir)
			return nil
		}
		if rerr != nil {
			err := errors.Wrapf(rerr, "%s read", dir)
			c.fail(err)
			return err
		}
	}
}

func (c *Connection) halfClose(dst transport.Stream, dir string) {
	if c.failure() != nil {
		return
	}
	if err := dst.CloseWrite(); err != nil {
		c.log.Debugf("%s: half-close: %v", dir, err)
	}
	c.state.CompareAndSwap(int32(Relaying), int32(HalfClosed))
	if c.ended.Add(1) == 2 {
		c.log.Debugf("both directions ended")
	}
}

// fail records the first cause and closes both streams so the other
// direction unblocks.
func (c *Connection) fail(err error) {
	c.m.Lock()
	if c.cause != nil {
		c.m.Unlock()
		return
	}
	c.cause = err
	c.m.Unlock()
	c.state.Store(int32(Failed))
	c.closeStreams()
}

func (c *Connection) failure() error {
	c.m.Lock()
	defer c.m.Unlock()
	return c.cause
}

func (c *Connection) closeStreams() {
	if err := c.a.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debugf("close a: %v", err)
	}
	if err := c.b.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debugf("close b: %v", err)
	}
}
