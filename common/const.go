package common

import "time"

const (
	// DefaultConfigFile is the configuration path used when -config is not
	// given.
	DefaultConfigFile = "config.yaml"

	// DefaultSAMEndpoint is where an I2P router exposes SAM unless
	// configured otherwise.
	DefaultSAMEndpoint = "127.0.0.1:7656"

	// DefaultProxyListenAddress is the local TCP address of the forwarder.
	DefaultProxyListenAddress = "127.0.0.1:8080"

	// DefaultServerBackendAddress is the local TCP service exposed by the
	// server.
	DefaultServerBackendAddress = "127.0.0.1:8000"

	// DefaultEchoAddress is the listen address of the echo command.
	DefaultEchoAddress = "127.0.0.1:8000"

	// DefaultSAMTimeout bounds every SAM request/reply exchange.
	DefaultSAMTimeout = 2 * time.Minute

	// DefaultDialTimeout bounds TCP dials to the server backend.
	DefaultDialTimeout = 10 * time.Second

	// MaxAcceptBackoff caps the wait between failing accepts.
	MaxAcceptBackoff = 5 * time.Second
)
