// Package echo is a TCP backend that writes back whatever it reads. It is
// used to check a tunnel end to end.
package echo

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hop.computer/samtun/common"
	"hop.computer/samtun/transport"
)

// Serve echoes every stream accepted from l until ctx is cancelled or l is
// closed. Open streams are closed before Serve returns. Other accept errors
// are retried with backoff.
func Serve(ctx context.Context, l transport.Listener, log *logrus.Entry) error {
	log.Infof("echo: listening on %s", l.Addr())
	bo := &backoff.Backoff{Min: 10 * time.Millisecond, Max: common.MaxAcceptBackoff, Jitter: true}
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		s, err := l.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || ctx.Err() != nil {
				return nil
			}
			d := bo.Duration()
			log.Warnf("echo: accept failed, retrying in %s: %s", d, err)
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil
			}
			continue
		}
		bo.Reset()
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle(ctx, s, log.WithField("peer", s.RemoteAddr().String()))
		}()
	}
}

// handle copies s back onto itself. End of input half-closes the reply.
func handle(ctx context.Context, s transport.Stream, log *logrus.Entry) {
	stop := context.AfterFunc(ctx, func() {
		s.Close()
	})
	defer stop()
	defer s.Close()

	n, err := io.Copy(s, s)
	if err != nil {
		log.Debugf("echo: %d bytes, ended with %s", n, err)
		return
	}
	if err := s.CloseWrite(); err != nil {
		log.Debugf("echo: half-close: %s", err)
	}
	log.Debugf("echo: %d bytes", n)
}
