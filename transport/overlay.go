package transport

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"hop.computer/samtun/sam"
)

// OverlayListener accepts inbound streams for the session registered on a
// sam.Client.
type OverlayListener struct {
	client *sam.Client
}

var _ Listener = &OverlayListener{}

// NewOverlayListener wraps client, which must already hold a registered
// session.
func NewOverlayListener(client *sam.Client) *OverlayListener {
	return &OverlayListener{client: client}
}

func (o *OverlayListener) Accept(ctx context.Context) (Stream, error) {
	c, err := o.client.AcceptStream(ctx)
	if errors.Is(err, sam.ErrClosed) || errors.Is(err, sam.ErrNoSession) {
		return nil, errors.Wrap(ErrListenerClosed, err.Error())
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Addr returns the session destination.
func (o *OverlayListener) Addr() net.Addr {
	return o.client.Destination().Addr()
}

// Close closes the client, which ends the session.
func (o *OverlayListener) Close() error {
	return o.client.Close()
}

// OverlayDialer opens streams through a sam.Client. Targets are base64
// destinations or names ending in ".i2p", which are resolved on every dial.
type OverlayDialer struct {
	client *sam.Client
}

var _ Dialer = &OverlayDialer{}

func NewOverlayDialer(client *sam.Client) *OverlayDialer {
	return &OverlayDialer{client: client}
}

func (o *OverlayDialer) Dial(ctx context.Context, target string) (Stream, error) {
	dest, err := o.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	c, err := o.client.OpenStream(ctx, dest)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Resolve turns target into a destination without opening a stream.
func (o *OverlayDialer) Resolve(ctx context.Context, target string) (sam.Destination, error) {
	if sam.IsName(target) {
		dest, err := o.client.Lookup(ctx, target)
		if err != nil {
			return sam.Destination{}, errors.Wrapf(err, "resolve %s", target)
		}
		return dest, nil
	}
	dest, err := sam.ParseDestination(target)
	if err != nil {
		return sam.Destination{}, errors.Wrapf(err, "parse destination %q", target)
	}
	return dest, nil
}
