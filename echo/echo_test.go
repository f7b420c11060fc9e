package echo

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"
	"gotest.tools/assert"

	"hop.computer/samtun/transport"
)

func TestEcho(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	l, err := transport.ListenTCP(ctx, "127.0.0.1:0")
	assert.NilError(t, err)
	defer l.Close()

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, l, logrus.NewEntry(logrus.StandardLogger()))
	}()

	s, err := transport.TCPDialer{Timeout: time.Second}.Dial(ctx, l.Addr().String())
	assert.NilError(t, err)
	_, err = s.Write([]byte("ping"))
	assert.NilError(t, err)
	assert.NilError(t, s.CloseWrite())
	got, err := io.ReadAll(s)
	assert.NilError(t, err)
	assert.Equal(t, string(got), "ping")
	s.Close()

	// An idle stream is closed on shutdown.
	idle, err := transport.TCPDialer{Timeout: time.Second}.Dial(ctx, l.Addr().String())
	assert.NilError(t, err)
	defer idle.Close()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
	_, err = io.ReadAll(idle)
	assert.NilError(t, err)
}

// failingListener fails every Accept until ctx is done.
type failingListener struct {
	calls atomic.Int32
}

func (f *failingListener) Accept(ctx context.Context) (transport.Stream, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("too many open files")
}

func (f *failingListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func (f *failingListener) Close() error {
	return nil
}

func TestEchoAcceptErrorsBackOff(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	l := &failingListener{}
	assert.NilError(t, Serve(ctx, l, logrus.NewEntry(logrus.StandardLogger())))
	// Waits are at least 10ms each.
	calls := l.calls.Load()
	assert.Assert(t, calls >= 2 && calls <= 20, "accept called %d times", calls)
}
