package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"hop.computer/samtun/common"
	"hop.computer/samtun/config"
	"hop.computer/samtun/echo"
	"hop.computer/samtun/flags"
	"hop.computer/samtun/sam"
	"hop.computer/samtun/transport"
	"hop.computer/samtun/tunnel"
)

func main() {
	f, err := flags.Parse(os.Args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logrus.Fatal(err)
	}
	logrus.SetLevel(f.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f); err != nil {
		logrus.Fatal(err)
	}
}

func run(ctx context.Context, f *flags.Flags) error {
	log := logrus.WithField("cmd", string(f.Command))
	switch f.Command {
	case flags.ConfigNew:
		if err := config.New().Save(f.ConfigPath); err != nil {
			return err
		}
		log.Infof("wrote default configuration to %s", f.ConfigPath)
		return nil
	case flags.Echo:
		return runEcho(ctx, f, log)
	}

	c, err := config.Load(f.ConfigPath)
	if err != nil {
		return errors.Wrap(err, "error loading config")
	}
	switch f.Command {
	case flags.GenDestination:
		return genDestination(ctx, f, c, log)
	case flags.Forwarder:
		return runForwarder(ctx, f, c, log)
	case flags.Server:
		return runServer(ctx, c, log)
	}
	return errors.Wrapf(flags.ErrUnknownCommand, "%s", f.Command)
}

func dialSAM(ctx context.Context, c *config.Configuration, log *logrus.Entry) (*sam.Client, error) {
	client, err := sam.Dial(ctx, c.Sam.Endpoint,
		sam.WithTimeout(c.Sam.Timeout.Std()),
		sam.WithLogger(log.WithField("sam", c.Sam.Endpoint)))
	if err != nil {
		return nil, err
	}
	log.Debugf("connected to SAM %s at %s", client.Version(), c.Sam.Endpoint)
	return client, nil
}

func genDestination(ctx context.Context, f *flags.Flags, c *config.Configuration, log *logrus.Entry) error {
	if err := c.ValidateSam(); err != nil {
		return err
	}
	client, err := dialSAM(ctx, c, log)
	if err != nil {
		return err
	}
	defer client.Close()
	pub, priv, err := client.GenerateDestination(ctx, f.SignatureTypeOr(c))
	if err != nil {
		return err
	}
	fmt.Printf("public key: %s\nprivate key: %s\naddress: %s\n", pub, priv, pub.Base32())
	if !f.Write {
		return nil
	}
	c.Server.PublicKey = pub.String()
	c.Server.PrivateKey = priv.String()
	if err := c.Save(f.ConfigPath); err != nil {
		return err
	}
	log.Infof("stored keys in %s", f.ConfigPath)
	return nil
}

// serve runs b until ctx is cancelled and the SAM session ends with it.
func serve(ctx context.Context, b *tunnel.Bridge, client *sam.Client) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Serve(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-client.Done():
			return errors.Wrap(sam.ErrClosed, "SAM control connection lost")
		}
	})
	err := g.Wait()
	b.Close()
	return err
}

func runForwarder(ctx context.Context, f *flags.Flags, c *config.Configuration, log *logrus.Entry) error {
	c = flags.MergeForwarder(f, c)
	if err := c.ValidateForwarder(); err != nil {
		return err
	}
	client, err := dialSAM(ctx, c, log)
	if err != nil {
		return err
	}
	defer client.Close()
	b, err := tunnel.NewForwarder(ctx, tunnel.ForwarderConfig{
		ListenAddress: c.Proxy.ListenAddress,
		Destination:   c.Proxy.ForwardAddress,
	}, client, log)
	if err != nil {
		return err
	}
	return serve(ctx, b, client)
}

func runServer(ctx context.Context, c *config.Configuration, log *logrus.Entry) error {
	priv, err := c.ValidateServer()
	if err != nil {
		return err
	}
	client, err := dialSAM(ctx, c, log)
	if err != nil {
		return err
	}
	defer client.Close()
	b, err := tunnel.NewServer(ctx, tunnel.ServerConfig{
		PrivateKey:  priv,
		Backend:     c.Server.ListenAddress,
		DialTimeout: common.DefaultDialTimeout,
	}, client, log)
	if err != nil {
		return err
	}
	return serve(ctx, b, client)
}

func runEcho(ctx context.Context, f *flags.Flags, log *logrus.Entry) error {
	l, err := transport.ListenTCP(ctx, f.IP)
	if err != nil {
		return err
	}
	defer l.Close()
	return echo.Serve(ctx, l, log)
}
