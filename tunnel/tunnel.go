// Package tunnel runs the accept loop that pairs every inbound stream with a
// freshly dialed outbound one.
package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hop.computer/samtun/common"
	"hop.computer/samtun/proxy"
	"hop.computer/samtun/transport"
)

// Bridge relays each stream accepted on Listener to a new stream dialed to
// Target.
type Bridge struct {
	Listener transport.Listener
	Dialer   transport.Dialer
	Target   string
	Log      *logrus.Entry

	// MaxBackoff caps the wait after consecutive accept failures. Zero means
	// common.MaxAcceptBackoff.
	MaxBackoff time.Duration
}

// Serve accepts until ctx is cancelled or the listener is closed, then waits
// for every connection to finish. Connections are cancelled with ctx. It
// returns nil after cancellation and an error matching
// transport.ErrListenerClosed when the listener went away on its own.
func (b *Bridge) Serve(ctx context.Context) error {
	log := b.log()
	ceiling := b.MaxBackoff
	if ceiling == 0 {
		ceiling = common.MaxAcceptBackoff
	}
	bo := &backoff.Backoff{Min: 10 * time.Millisecond, Max: ceiling, Jitter: true}

	var wg sync.WaitGroup
	defer wg.Wait()

	log.Infof("relaying %s -> %s", b.Listener.Addr(), shorten(b.Target))
	for {
		s, err := b.Listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrListenerClosed) {
				return err
			}
			d := bo.Duration()
			log.Warnf("accept failed (attempt %d), retrying in %s: %s", int(bo.Attempt()), d, err)
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
			b.handle(ctx, s)
		}()
	}
}

// handle dials Target for s and relays until both are done. A failed dial
// only closes s.
func (b *Bridge) handle(ctx context.Context, s transport.Stream) {
	id := proxy.NewID()
	log := b.log().WithField("peer", s.RemoteAddr().String())

	out, err := b.Dialer.Dial(ctx, b.Target)
	if err != nil {
		log.WithField("conn", id).Warnf("dial %s failed: %s", shorten(b.Target), err)
		if err := s.Close(); err != nil {
			log.WithField("conn", id).Debugf("close: %s", err)
		}
		return
	}
	c := proxy.NewConnection(id, s, out, log)
	if err := c.Run(ctx); err != nil {
		log.WithField("conn", id).Debugf("relay ended: %s", err)
	}
}

// Close closes the listener. Serve returns once its connections finish.
func (b *Bridge) Close() error {
	return b.Listener.Close()
}

func (b *Bridge) log() *logrus.Entry {
	if b.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return b.Log
}

// shorten keeps base64 destinations readable in logs.
func shorten(target string) string {
	if len(target) <= 64 {
		return target
	}
	return target[:16] + "..." + target[len(target)-8:]
}
