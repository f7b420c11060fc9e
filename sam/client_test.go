package sam_test

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"
	"golang.org/x/net/nettest"
	"gotest.tools/assert"
	"gotest.tools/poll"

	"hop.computer/samtun/sam"
	"hop.computer/samtun/sam/samtest"
)

func newBridge(t *testing.T) *samtest.Bridge {
	b, err := samtest.NewBridge()
	assert.NilError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func dial(t *testing.T, b *samtest.Bridge) *sam.Client {
	c, err := sam.Dial(context.Background(), b.Addr(), sam.WithTimeout(5*time.Second))
	assert.NilError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// newServer registers a persistent session on a fresh client.
func newServer(t *testing.T, b *samtest.Bridge) (*sam.Client, sam.Destination) {
	gen := dial(t, b)
	pub, priv, err := gen.GenerateDestination(context.Background(), sam.EdDSA_SHA512_Ed25519)
	assert.NilError(t, err)
	srv := dial(t, b)
	dest, err := srv.RegisterPersistentSession(context.Background(), priv)
	assert.NilError(t, err)
	assert.Equal(t, dest, pub)
	return srv, dest
}

func TestDialAndGenerate(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newBridge(t)
	c := dial(t, b)
	assert.Equal(t, c.Version(), "3.3")

	pub, priv, err := c.GenerateDestination(context.Background(), "")
	assert.NilError(t, err)
	assert.Equal(t, priv.Destination(), pub)

	pub2, _, err := c.GenerateDestination(context.Background(), sam.EdDSA_SHA512_Ed25519)
	assert.NilError(t, err)
	assert.Assert(t, pub != pub2)
	assert.NilError(t, c.Close())
	assert.NilError(t, b.Close())
}

func TestDialUnreachable(t *testing.T) {
	l, err := nettest.NewLocalListener("tcp")
	assert.NilError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = sam.Dial(context.Background(), addr, sam.WithTimeout(time.Second))
	assert.Assert(t, errors.Is(err, sam.ErrConnection), "got %v", err)
}

func TestDialRejectsNonSAM(t *testing.T) {
	l, err := nettest.NewLocalListener("tcp")
	assert.NilError(t, err)
	defer l.Close()
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		io.WriteString(c, "SSH-2.0-OpenSSH_9.0\n")
		c.Close()
	}()
	_, err = sam.Dial(context.Background(), l.Addr().String(), sam.WithTimeout(time.Second))
	assert.Assert(t, errors.Is(err, sam.ErrConnection), "got %v", err)
}

func TestSecondRegistrationFails(t *testing.T) {
	b := newBridge(t)
	srv, dest := newServer(t, b)

	gen := dial(t, b)
	_, other, err := gen.GenerateDestination(context.Background(), "")
	assert.NilError(t, err)

	_, err = srv.RegisterPersistentSession(context.Background(), other)
	assert.Assert(t, errors.Is(err, sam.ErrSessionExists), "got %v", err)
	assert.Equal(t, srv.Destination(), dest)
	assert.Equal(t, b.Sessions(), 1)
}

func TestRegisterDuplicateDestination(t *testing.T) {
	b := newBridge(t)
	gen := dial(t, b)
	_, priv, err := gen.GenerateDestination(context.Background(), "")
	assert.NilError(t, err)

	first := dial(t, b)
	_, err = first.RegisterPersistentSession(context.Background(), priv)
	assert.NilError(t, err)

	second := dial(t, b)
	_, err = second.RegisterPersistentSession(context.Background(), priv)
	assert.Assert(t, errors.Is(err, sam.ErrProtocol), "got %v", err)
	var re *sam.ReplyError
	assert.Assert(t, errors.As(err, &re))
	assert.Equal(t, re.Result, sam.ResultDuplicatedDest)
}

func TestAcceptWithoutSession(t *testing.T) {
	b := newBridge(t)
	c := dial(t, b)
	_, err := c.AcceptStream(context.Background())
	assert.Assert(t, errors.Is(err, sam.ErrNoSession), "got %v", err)
}

func TestOpenAndAccept(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newBridge(t)
	srv, dest := newServer(t, b)
	cli := dial(t, b)

	accepted := make(chan *sam.Conn, 1)
	go func() {
		c, err := srv.AcceptStream(context.Background())
		assert.Check(t, err)
		accepted <- c
	}()

	out, err := cli.OpenStream(context.Background(), dest)
	assert.NilError(t, err)
	defer out.Close()
	in := <-accepted
	assert.Assert(t, in != nil)
	defer in.Close()

	assert.Equal(t, in.Peer(), cli.Destination())
	assert.Equal(t, out.Peer(), dest)
	assert.Equal(t, out.RemoteAddr().Network(), "i2p")

	_, err = out.Write([]byte("ping"))
	assert.NilError(t, err)
	assert.NilError(t, out.CloseWrite())
	got, err := io.ReadAll(in)
	assert.NilError(t, err)
	assert.Equal(t, string(got), "ping")

	// The other direction is still open after the half-close.
	_, err = in.Write([]byte("pong"))
	assert.NilError(t, err)
	assert.NilError(t, in.CloseWrite())
	got, err = io.ReadAll(out)
	assert.NilError(t, err)
	assert.Equal(t, string(got), "pong")

	in.Close()
	out.Close()
	cli.Close()
	srv.Close()
	b.Close()
}

func TestOpenStreamUnreachable(t *testing.T) {
	b := newBridge(t)
	c := dial(t, b)
	gen := dial(t, b)
	nobody, _, err := gen.GenerateDestination(context.Background(), "")
	assert.NilError(t, err)

	_, err = c.OpenStream(context.Background(), nobody)
	assert.Assert(t, errors.Is(err, sam.ErrConnection), "got %v", err)

	// A failed stream leaves the session usable.
	srv, dest := newServer(t, b)
	go func() {
		in, err := srv.AcceptStream(context.Background())
		if err == nil {
			in.Close()
		}
	}()
	out, err := c.OpenStream(context.Background(), dest)
	assert.NilError(t, err)
	out.Close()
}

func TestOpenStreamTimeout(t *testing.T) {
	b := newBridge(t)
	b.SetConnectWait(50 * time.Millisecond)
	_, dest := newServer(t, b)
	c := dial(t, b)

	// Nobody is accepting on dest.
	_, err := c.OpenStream(context.Background(), dest)
	assert.Assert(t, errors.Is(err, sam.ErrTimeout), "got %v", err)
}

func TestAcceptCancel(t *testing.T) {
	b := newBridge(t)
	srv, _ := newServer(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := srv.AcceptStream(ctx)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.Assert(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("accept was not cancelled")
	}
}

func TestSessionDropped(t *testing.T) {
	b := newBridge(t)
	srv, _ := newServer(t, b)

	done := make(chan error, 1)
	go func() {
		_, err := srv.AcceptStream(context.Background())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	b.DropSessions()
	select {
	case err := <-done:
		// The accept socket and the control socket close in either order.
		assert.Assert(t, errors.Is(err, sam.ErrClosed) || errors.Is(err, sam.ErrConnection), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("accept survived the session")
	}
	select {
	case <-srv.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not notice the dropped session")
	}
	_, err := srv.AcceptStream(context.Background())
	assert.Assert(t, errors.Is(err, sam.ErrClosed))
}

func TestLookup(t *testing.T) {
	b := newBridge(t)
	_, dest := newServer(t, b)
	c := dial(t, b)

	got, err := c.Lookup(context.Background(), dest.Base32())
	assert.NilError(t, err)
	assert.Equal(t, got, dest)

	_, err = c.Lookup(context.Background(), "missing.i2p")
	var re *sam.ReplyError
	assert.Assert(t, errors.As(err, &re))
	assert.Equal(t, re.Result, sam.ResultKeyNotFound)
}

func TestConcurrentOpenStream(t *testing.T) {
	b := newBridge(t)
	srv, dest := newServer(t, b)
	cli := dial(t, b)

	const n = 8
	go func() {
		for i := 0; i < n; i++ {
			c, err := srv.AcceptStream(context.Background())
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := cli.OpenStream(context.Background(), dest)
			if !assert.Check(t, err) {
				return
			}
			defer c.Close()
			msg := []byte{byte('a' + i), byte('a' + i), byte('a' + i)}
			_, err = c.Write(msg)
			assert.Check(t, err)
			assert.Check(t, c.CloseWrite())
			got, err := io.ReadAll(c)
			assert.Check(t, err)
			assert.Check(t, string(got) == string(msg), "stream %d got %q", i, got)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, b.Sessions(), 2)
}

// makeStreamPipe connects two clients through a fresh bridge.
func makeStreamPipe() (c1, c2 net.Conn, stop func(), err error) {
	b, err := samtest.NewBridge()
	if err != nil {
		return nil, nil, nil, err
	}
	var closers []func() error
	stop = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		b.Close()
	}
	fail := func(err error) (net.Conn, net.Conn, func(), error) {
		stop()
		return nil, nil, nil, err
	}

	ctx := context.Background()
	log := logrus.NewEntry(logrus.New())
	log.Logger.SetLevel(logrus.WarnLevel)

	srv, err := sam.Dial(ctx, b.Addr(), sam.WithLogger(log))
	if err != nil {
		return fail(err)
	}
	closers = append(closers, srv.Close)
	_, priv, err := srv.GenerateDestination(ctx, "")
	if err != nil {
		return fail(err)
	}
	dest, err := srv.RegisterPersistentSession(ctx, priv)
	if err != nil {
		return fail(err)
	}
	cli, err := sam.Dial(ctx, b.Addr(), sam.WithLogger(log))
	if err != nil {
		return fail(err)
	}
	closers = append(closers, cli.Close)

	type result struct {
		c   *sam.Conn
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := srv.AcceptStream(ctx)
		accepted <- result{c, err}
	}()
	out, err := cli.OpenStream(ctx, dest)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, out.Close)
	r := <-accepted
	if r.err != nil {
		return fail(r.err)
	}
	closers = append(closers, r.c.Close)
	return out, r.c, stop, nil
}

func TestStreamConn(t *testing.T) {
	nettest.TestConn(t, makeStreamPipe)
}

func TestRegisterTransientSession(t *testing.T) {
	b := newBridge(t)
	c := dial(t, b)

	b.RefuseSessions(sam.ResultI2PError)
	_, err := c.RegisterTransientSession(context.Background())
	assert.Assert(t, errors.Is(err, sam.ErrProtocol), "got %v", err)
	assert.Assert(t, c.Destination().IsZero())

	// A refusal leaves the control connection usable.
	b.RefuseSessions("")
	dest, err := c.RegisterTransientSession(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, c.Destination(), dest)
	assert.Equal(t, b.SessionCreates(), 2)

	_, err = c.RegisterTransientSession(context.Background())
	assert.Assert(t, errors.Is(err, sam.ErrSessionExists), "got %v", err)
}

func TestCloseDuringRegistration(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newBridge(t)
	b.StallSessions()
	c, err := sam.Dial(context.Background(), b.Addr(), sam.WithTimeout(time.Minute))
	assert.NilError(t, err)

	registered := make(chan error, 1)
	go func() {
		_, err := c.RegisterTransientSession(context.Background())
		registered <- err
	}()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if b.SessionCreates() == 1 {
			return poll.Success()
		}
		return poll.Continue("bridge has not seen SESSION CREATE")
	}, poll.WithTimeout(3*time.Second))

	closed := make(chan error, 1)
	go func() {
		closed <- c.Close()
	}()
	select {
	case err := <-closed:
		assert.NilError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close waited for the pending registration")
	}
	err = <-registered
	assert.Assert(t, errors.Is(err, sam.ErrClosed), "got %v", err)
	_, err = c.RegisterTransientSession(context.Background())
	assert.Assert(t, errors.Is(err, sam.ErrClosed), "got %v", err)
	assert.NilError(t, b.Close())
}
