// Package samtest provides an in-process SAM v3 bridge for tests. It speaks
// enough of the protocol for samtun: HELLO, DEST GENERATE, NAMING LOOKUP,
// SESSION CREATE with STYLE=STREAM, STREAM CONNECT and STREAM ACCEPT. Streams
// between two sessions of the same bridge are spliced together locally.
package samtest

import (
	"bufio"
	"crypto/rand"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hop.computer/samtun/sam"
)

// DefaultConnectWait is how long STREAM CONNECT waits for the target session
// to have a pending STREAM ACCEPT.
const DefaultConnectWait = 5 * time.Second

type session struct {
	id        string
	priv      sam.PrivateKey
	control   net.Conn
	acceptors chan *acceptor
	done      chan struct{}
}

type acceptor struct {
	conn net.Conn
	rd   *bufio.Reader
}

// Bridge is a fake SAM bridge listening on a loopback TCP port.
type Bridge struct {
	l   net.Listener
	log *logrus.Entry
	wg  sync.WaitGroup

	m sync.Mutex
	// +checklocks:m
	connectWait time.Duration
	// +checklocks:m
	refuse string
	// +checklocks:m
	stall bool
	// +checklocks:m
	creates int
	// +checklocks:m
	sessions map[string]*session
	// +checklocks:m
	byDest map[sam.Destination]*session
	// +checklocks:m
	conns map[net.Conn]struct{}
	// +checklocks:m
	closed bool
}

// NewBridge starts a bridge on 127.0.0.1 with an ephemeral port.
func NewBridge() (*Bridge, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		connectWait: DefaultConnectWait,
		l:           l,
		log:         logrus.WithField("bridge", l.Addr().String()),
		sessions:    make(map[string]*session),
		byDest:      make(map[sam.Destination]*session),
		conns:       make(map[net.Conn]struct{}),
	}
	b.wg.Add(1)
	go b.serve()
	return b, nil
}

// Addr returns the host:port of the bridge.
func (b *Bridge) Addr() string {
	return b.l.Addr().String()
}

// Close stops the bridge and closes every connection it holds.
func (b *Bridge) Close() error {
	b.m.Lock()
	if b.closed {
		b.m.Unlock()
		return nil
	}
	b.closed = true
	for c := range b.conns {
		c.Close()
	}
	b.m.Unlock()
	err := b.l.Close()
	b.wg.Wait()
	return err
}

// SetConnectWait bounds how long STREAM CONNECT waits for an acceptor.
func (b *Bridge) SetConnectWait(d time.Duration) {
	b.m.Lock()
	defer b.m.Unlock()
	b.connectWait = d
}

// RefuseSessions makes every following SESSION CREATE fail with result. An
// empty result accepts sessions again.
func (b *Bridge) RefuseSessions(result string) {
	b.m.Lock()
	defer b.m.Unlock()
	b.refuse = result
}

// StallSessions makes every following SESSION CREATE go unanswered, like a
// router that never finishes building tunnels.
func (b *Bridge) StallSessions() {
	b.m.Lock()
	defer b.m.Unlock()
	b.stall = true
}

// SessionCreates returns how many SESSION CREATE commands were received.
func (b *Bridge) SessionCreates() int {
	b.m.Lock()
	defer b.m.Unlock()
	return b.creates
}

// Sessions returns the number of live sessions.
func (b *Bridge) Sessions() int {
	b.m.Lock()
	defer b.m.Unlock()
	return len(b.sessions)
}

// DropSessions closes every session control connection, as a router restart
// would.
func (b *Bridge) DropSessions() {
	b.m.Lock()
	defer b.m.Unlock()
	for _, s := range b.sessions {
		s.control.Close()
	}
}

func (b *Bridge) track(c net.Conn) bool {
	b.m.Lock()
	defer b.m.Unlock()
	if b.closed {
		c.Close()
		return false
	}
	b.conns[c] = struct{}{}
	return true
}

func (b *Bridge) untrack(c net.Conn) {
	b.m.Lock()
	defer b.m.Unlock()
	delete(b.conns, c)
}

func (b *Bridge) serve() {
	defer b.wg.Done()
	for {
		c, err := b.l.Accept()
		if err != nil {
			return
		}
		if !b.track(c) {
			continue
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handle(c)
		}()
	}
}

func reply(c net.Conn, topic, subtopic string, kv ...string) error {
	_, err := io.WriteString(c, sam.NewMessage(topic, subtopic, kv...).String()+"\n")
	return err
}

// handle runs one client socket. It returns once the socket is done with or
// has been handed to a stream splice.
func (b *Bridge) handle(c net.Conn) {
	keep := false
	defer func() {
		if !keep {
			b.untrack(c)
			c.Close()
		}
	}()
	rd := bufio.NewReader(c)
	hello, err := readMessage(rd)
	if err != nil {
		return
	}
	if hello.Topic != "HELLO" || hello.Subtopic != "VERSION" {
		reply(c, "HELLO", "REPLY", "RESULT", sam.ResultI2PError, "MESSAGE", "expected HELLO")
		return
	}
	if lo, _ := hello.Get("MIN"); lo > "3.3" {
		reply(c, "HELLO", "REPLY", "RESULT", sam.ResultNoVersion)
		return
	}
	reply(c, "HELLO", "REPLY", "RESULT", sam.ResultOK, "VERSION", "3.3")

	for {
		msg, err := readMessage(rd)
		if err != nil {
			return
		}
		if msg.Topic == "PING" {
			io.WriteString(c, "PONG\n")
			continue
		}
		switch msg.Topic + " " + msg.Subtopic {
		case "DEST GENERATE":
			pub, priv := generate()
			reply(c, "DEST", "REPLY", "PUB", pub.String(), "PRIV", priv.String())
		case "NAMING LOOKUP":
			b.lookup(c, msg)
		case "SESSION CREATE":
			s := b.create(c, msg)
			if s == nil {
				continue
			}
			// The session lives as long as this socket.
			b.controlLoop(s, rd)
			return
		case "STREAM CONNECT":
			keep = b.connect(c, rd, msg)
			return
		case "STREAM ACCEPT":
			keep = b.accept(c, rd, msg)
			return
		default:
			reply(c, msg.Topic, "STATUS", "RESULT", sam.ResultI2PError, "MESSAGE", "unsupported command")
		}
	}
}

func readMessage(rd *bufio.Reader) (*sam.Message, error) {
	line, err := rd.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return sam.ParseMessage(line)
}

// generate builds a key pair with a KEY certificate naming Ed25519, laid out
// like the ones a router hands out.
func generate() (sam.Destination, sam.PrivateKey) {
	dest := make([]byte, 256+128, 256+128+7+256+32)
	rand.Read(dest)
	dest = append(dest, 5, 0, 4, 0, 7, 0, 4)
	secret := make([]byte, 256+32)
	rand.Read(secret)
	raw := append(dest, secret...)
	priv, err := sam.ParsePrivateKey(sam.Encoding.EncodeToString(raw))
	if err != nil {
		panic(err)
	}
	return priv.Destination(), priv
}

func (b *Bridge) lookup(c net.Conn, msg *sam.Message) {
	name, _ := msg.Get("NAME")
	b.m.Lock()
	defer b.m.Unlock()
	for d := range b.byDest {
		if strings.EqualFold(d.Base32(), name) {
			reply(c, "NAMING", "REPLY", "RESULT", sam.ResultOK, "NAME", name, "VALUE", d.String())
			return
		}
	}
	reply(c, "NAMING", "REPLY", "RESULT", sam.ResultKeyNotFound, "NAME", name)
}

func (b *Bridge) create(c net.Conn, msg *sam.Message) *session {
	id, _ := msg.Get("ID")
	destination, _ := msg.Get("DESTINATION")
	b.m.Lock()
	b.creates++
	refuse, stall := b.refuse, b.stall
	b.m.Unlock()
	if stall {
		return nil
	}
	if refuse != "" {
		reply(c, "SESSION", "STATUS", "RESULT", refuse, "MESSAGE", "tunnels refused")
		return nil
	}
	if style, _ := msg.Get("STYLE"); style != "STREAM" {
		reply(c, "SESSION", "STATUS", "RESULT", sam.ResultI2PError, "MESSAGE", "only STREAM sessions are supported")
		return nil
	}
	if id == "" {
		reply(c, "SESSION", "STATUS", "RESULT", sam.ResultInvalidID)
		return nil
	}
	var priv sam.PrivateKey
	if destination == "TRANSIENT" {
		_, priv = generate()
	} else {
		var err error
		priv, err = sam.ParsePrivateKey(destination)
		if err != nil {
			reply(c, "SESSION", "STATUS", "RESULT", sam.ResultInvalidKey, "MESSAGE", err.Error())
			return nil
		}
	}

	b.m.Lock()
	defer b.m.Unlock()
	if _, ok := b.sessions[id]; ok {
		reply(c, "SESSION", "STATUS", "RESULT", sam.ResultDuplicatedID)
		return nil
	}
	if _, ok := b.byDest[priv.Destination()]; ok {
		reply(c, "SESSION", "STATUS", "RESULT", sam.ResultDuplicatedDest)
		return nil
	}
	s := &session{
		id:        id,
		priv:      priv,
		control:   c,
		acceptors: make(chan *acceptor, 64),
		done:      make(chan struct{}),
	}
	b.sessions[id] = s
	b.byDest[priv.Destination()] = s
	reply(c, "SESSION", "STATUS", "RESULT", sam.ResultOK, "DESTINATION", priv.String())
	b.log.Debugf("session %s created for %s", id, priv.Destination().Base32())
	return s
}

// controlLoop keeps a session alive until its control socket closes.
func (b *Bridge) controlLoop(s *session, rd *bufio.Reader) {
	defer func() {
		b.m.Lock()
		delete(b.sessions, s.id)
		delete(b.byDest, s.priv.Destination())
		b.m.Unlock()
		close(s.done)
		for {
			select {
			case a := <-s.acceptors:
				b.untrack(a.conn)
				a.conn.Close()
			default:
				return
			}
		}
	}()
	for {
		msg, err := readMessage(rd)
		if err != nil {
			return
		}
		if msg.Topic == "PING" {
			io.WriteString(s.control, "PONG\n")
		}
	}
}

func (b *Bridge) session(id string) *session {
	b.m.Lock()
	defer b.m.Unlock()
	return b.sessions[id]
}

func (b *Bridge) accept(c net.Conn, rd *bufio.Reader, msg *sam.Message) bool {
	id, _ := msg.Get("ID")
	s := b.session(id)
	if s == nil {
		reply(c, "STREAM", "STATUS", "RESULT", sam.ResultInvalidID)
		return false
	}
	if err := reply(c, "STREAM", "STATUS", "RESULT", sam.ResultOK); err != nil {
		return false
	}
	select {
	case s.acceptors <- &acceptor{conn: c, rd: rd}:
		return true
	case <-s.done:
		return false
	}
}

func (b *Bridge) connect(c net.Conn, rd *bufio.Reader, msg *sam.Message) bool {
	id, _ := msg.Get("ID")
	src := b.session(id)
	if src == nil {
		reply(c, "STREAM", "STATUS", "RESULT", sam.ResultInvalidID)
		return false
	}
	destStr, _ := msg.Get("DESTINATION")
	dest, err := sam.ParseDestination(destStr)
	if err != nil {
		reply(c, "STREAM", "STATUS", "RESULT", sam.ResultInvalidKey, "MESSAGE", err.Error())
		return false
	}
	b.m.Lock()
	target := b.byDest[dest]
	wait := b.connectWait
	b.m.Unlock()
	if target == nil {
		reply(c, "STREAM", "STATUS", "RESULT", sam.ResultCantReachPeer, "MESSAGE", "unknown destination")
		return false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	var a *acceptor
	select {
	case a = <-target.acceptors:
	case <-target.done:
		reply(c, "STREAM", "STATUS", "RESULT", sam.ResultCantReachPeer, "MESSAGE", "session closed")
		return false
	case <-timer.C:
		reply(c, "STREAM", "STATUS", "RESULT", sam.ResultTimeout)
		return false
	}

	peerLine := src.priv.Destination().String() + " FROM_PORT=0 TO_PORT=0\n"
	if _, err := io.WriteString(a.conn, peerLine); err != nil {
		b.untrack(a.conn)
		a.conn.Close()
		reply(c, "STREAM", "STATUS", "RESULT", sam.ResultCantReachPeer, "MESSAGE", "acceptor gone")
		return false
	}
	if err := reply(c, "STREAM", "STATUS", "RESULT", sam.ResultOK); err != nil {
		b.untrack(a.conn)
		a.conn.Close()
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.splice(c, rd, a.conn, a.rd)
	}()
	return true
}

// splice copies between two client sockets, propagating half-closes, and
// closes both once both directions are done.
func (b *Bridge) splice(x net.Conn, xr *bufio.Reader, y net.Conn, yr *bufio.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	pipe := func(dst net.Conn, src io.Reader) {
		defer wg.Done()
		if _, err := io.Copy(dst, src); err != nil {
			// Unblock the other direction.
			x.Close()
			y.Close()
			return
		}
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}
	go pipe(y, xr)
	go pipe(x, yr)
	wg.Wait()
	b.untrack(x)
	b.untrack(y)
	x.Close()
	y.Close()
}
