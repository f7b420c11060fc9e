package sam

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// RegisterPersistentSession creates a STREAM session bound to priv on the
// control connection and returns its destination. The same key always yields
// the same destination. A Client holds at most one session, so a second call
// fails with ErrSessionExists and leaves the first session untouched.
func (c *Client) RegisterPersistentSession(ctx context.Context, priv PrivateKey) (Destination, error) {
	if priv.IsZero() {
		return Destination{}, errors.Wrap(ErrProtocol, "register session: empty private key")
	}
	c.m.Lock()
	defer c.m.Unlock()
	s, err := c.createSessionLocked(ctx, priv.String(), "")
	if err != nil {
		return Destination{}, err
	}
	if s.dest != priv.Destination() {
		c.log.Warnf("bridge reported destination %s for key of %s", s.dest.Base32(), priv.Destination().Base32())
	}
	return priv.Destination(), nil
}

// RegisterTransientSession creates a STREAM session with a throwaway
// destination, for clients that only open streams. It fails with
// ErrSessionExists if the Client already holds a session.
func (c *Client) RegisterTransientSession(ctx context.Context) (Destination, error) {
	c.m.Lock()
	defer c.m.Unlock()
	s, err := c.createSessionLocked(ctx, "TRANSIENT", DefaultSignatureType)
	if err != nil {
		return Destination{}, err
	}
	return s.dest, nil
}

// Destination returns the destination of the registered session, or the zero
// Destination if there is none.
func (c *Client) Destination() Destination {
	c.m.Lock()
	defer c.m.Unlock()
	if c.session == nil {
		return Destination{}
	}
	return c.session.dest
}

// +checklocks:c.m
func (c *Client) createSessionLocked(ctx context.Context, destination string, sigType SignatureType) (*session, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.session != nil {
		return nil, errors.Wrapf(ErrSessionExists, "session %s", c.session.id)
	}
	id := newSessionID()
	msg := NewMessage("SESSION", "CREATE", "STYLE", "STREAM", "ID", id, "DESTINATION", destination)
	if sigType != "" {
		msg.Set("SIGNATURE_TYPE", string(sigType))
	}
	// Close interrupts the exchange without waiting for c.m.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()
	reply, err := c.exchange(ctx, c.conn, c.rd, msg, "SESSION STATUS")
	if err != nil {
		if c.life.Err() != nil {
			return nil, errors.Wrapf(ErrClosed, "register session: %s", err)
		}
		if !isReply(err) {
			// The reply stream is out of step with our requests now.
			c.conn.Close()
			c.closed = true
			c.cancel()
		}
		return nil, errors.Wrap(err, "register session")
	}
	privStr, _ := reply.Get("DESTINATION")
	priv, err := ParsePrivateKey(privStr)
	if err != nil {
		return nil, errors.Wrap(err, "register session: DESTINATION")
	}
	s := &session{
		id:        id,
		dest:      priv.Destination(),
		transient: destination == "TRANSIENT",
	}
	c.session = s
	c.log.WithField("session", id).Infof("registered session for %s", s.dest.Base32())

	c.wg.Add(1)
	go c.watch()
	return s, nil
}

func isReply(err error) bool {
	var re *ReplyError
	return errors.As(err, &re)
}

// watch reads the control connection after registration. The bridge may send
// PING, which is answered, and closes the socket when the session dies.
func (c *Client) watch() {
	defer c.wg.Done()
	defer c.cancel()
	for {
		line, err := c.rd.ReadString('\n')
		if err != nil {
			select {
			case <-c.life.Done():
			default:
				c.log.Errorf("control connection lost: %s", err)
			}
			return
		}
		msg, err := ParseMessage(line)
		if err != nil {
			c.log.Warnf("ignoring control message: %s", err)
			continue
		}
		switch msg.Topic {
		case "PING":
			pong := "PONG" + strings.TrimPrefix(strings.TrimRight(line, "\r\n"), "PING") + "\n"
			c.m.Lock()
			_, err = c.conn.Write([]byte(pong))
			c.m.Unlock()
			if err != nil {
				c.log.Errorf("unable to answer ping: %s", err)
			}
		case "PONG":
		default:
			c.log.Debugf("unexpected control message %q", msg.Topic)
		}
	}
}

// ensureSession returns the registered session, registering a transient one
// if none exists.
func (c *Client) ensureSession(ctx context.Context) (*session, error) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.closed || c.life.Err() != nil {
		return nil, ErrClosed
	}
	if c.session != nil {
		return c.session, nil
	}
	return c.createSessionLocked(ctx, "TRANSIENT", DefaultSignatureType)
}

func (c *Client) currentSession() (*session, error) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.closed || c.life.Err() != nil {
		return nil, ErrClosed
	}
	if c.session == nil {
		return nil, ErrNoSession
	}
	return c.session, nil
}

// OpenStream opens one new stream to remote. Without a registered session a
// transient one is created first; callers that must fail early register it
// with RegisterTransientSession. Failures of a single stream do not affect
// the Client and match ErrConnection or ErrTimeout.
func (c *Client) OpenStream(ctx context.Context, remote Destination) (*Conn, error) {
	if remote.IsZero() {
		return nil, errors.Wrap(ErrProtocol, "open stream: empty destination")
	}
	s, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	conn, rd, _, err := c.handshake(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "open stream to %s", remote.Base32())
	}
	msg := NewMessage("STREAM", "CONNECT", "ID", s.id, "DESTINATION", remote.String(), "SILENT", "false")
	if _, err := c.exchange(ctx, conn, rd, msg, "STREAM STATUS"); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "open stream to %s", remote.Base32())
	}
	c.log.Debugf("opened stream to %s", remote.Base32())
	return newConn(conn, rd, s.dest, remote), nil
}

// AcceptStream waits for the next inbound stream of the registered session.
// Cancelling ctx or closing the Client aborts the wait. A failed accept does
// not affect the Client; the caller may simply call AcceptStream again.
func (c *Client) AcceptStream(ctx context.Context) (*Conn, error) {
	s, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopLife := context.AfterFunc(c.life, cancel)
	defer stopLife()

	conn, rd, _, err := c.handshake(ctx)
	if err != nil {
		return nil, c.acceptErr(err)
	}
	msg := NewMessage("STREAM", "ACCEPT", "ID", s.id, "SILENT", "false")
	if _, err := c.exchange(ctx, conn, rd, msg, "STREAM STATUS"); err != nil {
		conn.Close()
		return nil, c.acceptErr(err)
	}

	// The peer line arrives whenever someone connects, so no deadline applies.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	line, err := rd.ReadString('\n')
	if !stop() {
		return nil, c.acceptErr(ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, c.acceptErr(classify(ctx, err, ErrConnection, "read peer"))
	}
	peer, err := parsePeerLine(line)
	if err != nil {
		conn.Close()
		return nil, c.acceptErr(err)
	}
	c.log.Debugf("accepted stream from %s", peer.Base32())
	return newConn(conn, rd, s.dest, peer), nil
}

func (c *Client) acceptErr(err error) error {
	select {
	case <-c.life.Done():
		return errors.Wrapf(ErrClosed, "accept stream: %s", err)
	default:
	}
	return errors.Wrap(err, "accept stream")
}

// parsePeerLine decodes "<destination> [FROM_PORT=n TO_PORT=n]". A bridge
// may also report a late failure as a STREAM STATUS line.
func parsePeerLine(line string) (Destination, error) {
	msg, err := ParseMessage(line)
	if err != nil {
		return Destination{}, err
	}
	if msg.Topic == "STREAM" {
		if err := msg.Err(); err != nil {
			return Destination{}, err
		}
		return Destination{}, errors.Wrapf(ErrProtocol, "unexpected %s %s before peer destination", msg.Topic, msg.Subtopic)
	}
	return ParseDestination(msg.Topic)
}
