package sam

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Conn is an established overlay stream. It implements net.Conn and
// CloseWrite.
type Conn struct {
	conn   net.Conn
	local  Addr
	remote Addr

	m sync.Mutex
	// +checklocks:m
	pending []byte
}

var _ net.Conn = &Conn{}

// newConn takes over conn. Bytes already buffered in rd belong to the stream
// and are returned by the first reads.
func newConn(conn net.Conn, rd *bufio.Reader, local, remote Destination) *Conn {
	c := &Conn{
		conn:   conn,
		local:  local.Addr(),
		remote: remote.Addr(),
	}
	if n := rd.Buffered(); n > 0 {
		b, _ := rd.Peek(n)
		c.pending = append([]byte(nil), b...)
	}
	return c
}

// Read reads from the stream. It returns io.EOF once the peer closed its
// write side.
func (c *Conn) Read(b []byte) (int, error) {
	c.m.Lock()
	if len(c.pending) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		c.m.Unlock()
		return n, nil
	}
	c.m.Unlock()
	return c.conn.Read(b)
}

// Write writes to the stream.
func (c *Conn) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

// Close closes the stream.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// CloseWrite shuts down the write side of the socket to the bridge, which
// ends the stream in that direction.
func (c *Conn) CloseWrite() error {
	cw, ok := c.conn.(interface{ CloseWrite() error })
	if !ok {
		return errors.Errorf("sam: %T does not support CloseWrite", c.conn)
	}
	return cw.CloseWrite()
}

// LocalAddr returns the session destination.
func (c *Conn) LocalAddr() net.Addr {
	return c.local
}

// RemoteAddr returns the peer destination.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

// Peer returns the peer destination.
func (c *Conn) Peer() Destination {
	return c.remote.Destination
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
