package tunnel

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hop.computer/samtun/sam"
	"hop.computer/samtun/transport"
)

// ForwarderConfig holds what forwarder mode needs.
type ForwarderConfig struct {
	// ListenAddress is the local TCP address to accept on.
	ListenAddress string
	// Destination is a base64 destination or an .i2p name.
	Destination string
}

// NewForwarder listens on cfg.ListenAddress and relays every connection to
// cfg.Destination through client. The destination is resolved and the
// client's transient session registered once here, so a bridge refusing
// either fails the mode instead of every connection. client must not hold a
// session yet.
func NewForwarder(ctx context.Context, cfg ForwarderConfig, client *sam.Client, log *logrus.Entry) (*Bridge, error) {
	dialer := transport.NewOverlayDialer(client)
	dest, err := dialer.Resolve(ctx, cfg.Destination)
	if err != nil {
		return nil, errors.Wrap(err, "forwarder destination")
	}
	local, err := client.RegisterTransientSession(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "register forwarder session")
	}
	l, err := transport.ListenTCP(ctx, cfg.ListenAddress)
	if err != nil {
		return nil, err
	}
	log = log.WithField("target", dest.Base32())
	log.Infof("forwarding %s to %s as %s", l.Addr(), dest.Base32(), local.Base32())
	return &Bridge{
		Listener: l,
		Dialer:   dialer,
		Target:   dest.String(),
		Log:      log,
	}, nil
}

// ServerConfig holds what server mode needs.
type ServerConfig struct {
	PrivateKey sam.PrivateKey
	// Backend is the local TCP service inbound streams are relayed to.
	Backend     string
	DialTimeout time.Duration
}

// NewServer registers cfg.PrivateKey on client and relays every inbound
// stream to cfg.Backend. client must not hold a session yet.
func NewServer(ctx context.Context, cfg ServerConfig, client *sam.Client, log *logrus.Entry) (*Bridge, error) {
	dest, err := client.RegisterPersistentSession(ctx, cfg.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "register server destination")
	}
	log = log.WithField("target", cfg.Backend)
	log.Infof("server destination: %s", dest.String())
	log.Infof("server address: %s", dest.Base32())
	return &Bridge{
		Listener: transport.NewOverlayListener(client),
		Dialer:   transport.TCPDialer{Timeout: cfg.DialTimeout},
		Target:   cfg.Backend,
		Log:      log,
	}, nil
}
