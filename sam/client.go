// Package sam is a client for the SAM v3 control protocol spoken by I2P
// routers. A Client owns one control connection to the bridge, registers at
// most one STREAM session on it, and opens or accepts overlay streams for that
// session on separate sockets.
package sam

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Protocol versions offered in HELLO. 3.1 is the first version with
// SIGNATURE_TYPE.
const (
	MinVersion = "3.1"
	MaxVersion = "3.3"
)

// DefaultTimeout bounds each request/reply exchange with the bridge. Tunnel
// building on a cold router can take a while, so it is generous.
const DefaultTimeout = 2 * time.Minute

type options struct {
	timeout time.Duration
	log     *logrus.Entry
}

// Option configures a Client.
type Option func(*options)

// WithTimeout sets the deadline applied to every exchange with the bridge. A
// non-positive value selects DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger used by the client and its streams.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

type session struct {
	id        string
	dest      Destination
	transient bool
}

// Client is a connection to a SAM bridge. It is safe for concurrent use.
type Client struct {
	endpoint string
	opts     options
	log      *logrus.Entry

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	m sync.Mutex
	// +checklocks:m
	conn net.Conn
	// +checklocks:m
	rd *bufio.Reader
	// +checklocks:m
	session *session
	// +checklocks:m
	closed bool

	version string
}

// Dial connects to the bridge at endpoint and performs the HELLO handshake.
// Failures match ErrConnection.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	o := options{
		timeout: DefaultTimeout,
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Client{
		endpoint: endpoint,
		opts:     o,
		log:      o.log.WithField("sam", endpoint),
	}
	conn, rd, version, err := c.handshake(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.rd = rd
	c.version = version
	c.life, c.cancel = context.WithCancel(context.Background())
	c.log.Debugf("connected to SAM bridge, version %s", version)
	return c, nil
}

// Version returns the protocol version negotiated by HELLO.
func (c *Client) Version() string {
	return c.version
}

// Endpoint returns the bridge address.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// handshake opens a new socket to the bridge and sends HELLO.
func (c *Client) handshake(ctx context.Context) (net.Conn, *bufio.Reader, string, error) {
	d := net.Dialer{Timeout: c.opts.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.endpoint)
	if err != nil {
		return nil, nil, "", classify(ctx, err, ErrConnection, "dial bridge")
	}
	rd := bufio.NewReader(conn)
	hello := NewMessage("HELLO", "VERSION", "MIN", MinVersion, "MAX", MaxVersion)
	reply, err := c.exchange(ctx, conn, rd, hello, "HELLO REPLY")
	if err != nil {
		conn.Close()
		if errors.Is(err, ErrTimeout) {
			return nil, nil, "", err
		}
		return nil, nil, "", errors.Wrapf(ErrConnection, "handshake with %s: %s", c.endpoint, err)
	}
	version, _ := reply.Get("VERSION")
	return conn, rd, version, nil
}

// exchange writes msg and reads one reply line whose topic and subtopic must
// equal expect. A reply with a non-OK RESULT is returned along with its
// *ReplyError.
func (c *Client) exchange(ctx context.Context, conn net.Conn, rd *bufio.Reader, msg *Message, expect string) (*Message, error) {
	deadline := time.Now().Add(c.opts.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	name := msg.Topic + " " + msg.Subtopic
	c.log.Tracef("-> %s", redact(msg))
	if _, err := conn.Write([]byte(msg.String() + "\n")); err != nil {
		return nil, classify(ctx, err, ErrConnection, name)
	}
	line, err := rd.ReadString('\n')
	if err != nil {
		return nil, classify(ctx, err, ErrConnection, name)
	}
	reply, err := ParseMessage(line)
	if err != nil {
		return nil, err
	}
	c.log.Tracef("<- %s", redact(reply))
	if got := strings.TrimSpace(reply.Topic + " " + reply.Subtopic); got != expect {
		return nil, errors.Wrapf(ErrProtocol, "%s: expected %q reply, got %q", name, expect, got)
	}
	return reply, reply.Err()
}

// redact hides private keys from trace logs.
func redact(m *Message) string {
	if _, ok := m.Values["PRIV"]; !ok && m.Topic != "SESSION" {
		return m.String()
	}
	cp := NewMessage(m.Topic, m.Subtopic)
	for _, k := range m.Keys {
		v := m.Values[k]
		if k == "PRIV" || (k == "DESTINATION" && v != "TRANSIENT") {
			v = "<redacted>"
		}
		cp.Set(k, v)
	}
	return cp.String()
}

// request runs one exchange on a fresh socket that is closed afterwards.
func (c *Client) request(ctx context.Context, msg *Message, expect string) (*Message, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	conn, rd, _, err := c.handshake(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return c.exchange(ctx, conn, rd, msg, expect)
}

func (c *Client) checkOpen() error {
	c.m.Lock()
	defer c.m.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// GenerateDestination asks the bridge for a new key pair. No session is
// needed.
func (c *Client) GenerateDestination(ctx context.Context, sigType SignatureType) (Destination, PrivateKey, error) {
	if sigType == "" {
		sigType = DefaultSignatureType
	}
	reply, err := c.request(ctx, NewMessage("DEST", "GENERATE", "SIGNATURE_TYPE", string(sigType)), "DEST REPLY")
	if err != nil {
		return Destination{}, PrivateKey{}, errors.Wrap(err, "generate destination")
	}
	pubStr, _ := reply.Get("PUB")
	privStr, _ := reply.Get("PRIV")
	pub, err := ParseDestination(pubStr)
	if err != nil {
		return Destination{}, PrivateKey{}, errors.Wrap(err, "generate destination: PUB")
	}
	priv, err := ParsePrivateKey(privStr)
	if err != nil {
		return Destination{}, PrivateKey{}, errors.Wrap(err, "generate destination: PRIV")
	}
	if priv.Destination() != pub {
		return Destination{}, PrivateKey{}, errors.Wrap(ErrProtocol, "generate destination: PRIV does not match PUB")
	}
	return pub, priv, nil
}

// Lookup resolves a host name such as "example.i2p" or "<hash>.b32.i2p".
func (c *Client) Lookup(ctx context.Context, name string) (Destination, error) {
	reply, err := c.request(ctx, NewMessage("NAMING", "LOOKUP", "NAME", name), "NAMING REPLY")
	if err != nil {
		return Destination{}, errors.Wrapf(err, "lookup %s", name)
	}
	v, _ := reply.Get("VALUE")
	d, err := ParseDestination(v)
	if err != nil {
		return Destination{}, errors.Wrapf(err, "lookup %s", name)
	}
	return d, nil
}

// Close ends the session, if any, and closes the control connection.
func (c *Client) Close() error {
	// Cancel first so a pending SESSION CREATE gives up c.m.
	c.cancel()
	c.m.Lock()
	if c.closed {
		c.m.Unlock()
		c.wg.Wait()
		return nil
	}
	c.closed = true
	err := c.conn.Close()
	c.m.Unlock()
	c.wg.Wait()
	return err
}

// Done is closed once the client is closed or the bridge drops the control
// connection.
func (c *Client) Done() <-chan struct{} {
	return c.life.Done()
}

// classify maps ctx state and network errors to the package sentinels.
func classify(ctx context.Context, err error, fallback error, msg string) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return errors.Wrapf(ErrTimeout, "%s: %s", msg, ctxErr)
		}
		return errors.Wrap(ctxErr, msg)
	}
	return classifyErr(err, fallback, msg)
}

func newSessionID() string {
	return "samtun-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
