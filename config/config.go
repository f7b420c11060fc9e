// Package config loads and stores the samtun YAML configuration.
package config

import (
	"bytes"
	"io"
	"io/fs"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"hop.computer/samtun/common"
	"hop.computer/samtun/sam"
)

// ErrConfig is matched by every load and validation failure.
var ErrConfig = errors.New("config: invalid configuration")

// Configuration is the whole file. It is not modified after Load.
type Configuration struct {
	Proxy  Proxy  `yaml:"proxy"`
	Server Server `yaml:"server"`
	Sam    Sam    `yaml:"sam"`
}

// Proxy configures forwarder mode.
type Proxy struct {
	ListenAddress  string `yaml:"listen_address"`
	ForwardAddress string `yaml:"forward_address"`
}

// Server configures server mode. ListenAddress is the local TCP backend that
// inbound overlay streams are relayed to. ForwardAddress is reserved.
type Server struct {
	ListenAddress  string `yaml:"listen_address"`
	ForwardAddress string `yaml:"forward_address"`
	PrivateKey     string `yaml:"private_key"`
	PublicKey      string `yaml:"public_key"`
}

// Sam configures the connection to the SAM bridge.
type Sam struct {
	Endpoint      string            `yaml:"endpoint"`
	Timeout       Duration          `yaml:"timeout,omitempty"`
	SignatureType sam.SignatureType `yaml:"signature_type,omitempty"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(ErrConfig, "line %d: %s", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// New returns a configuration with every default filled in and no keys.
func New() *Configuration {
	return &Configuration{
		Proxy: Proxy{
			ListenAddress: common.DefaultProxyListenAddress,
		},
		Server: Server{
			ListenAddress: common.DefaultServerBackendAddress,
		},
		Sam: Sam{
			Endpoint:      common.DefaultSAMEndpoint,
			Timeout:       Duration(common.DefaultSAMTimeout),
			SignatureType: sam.DefaultSignatureType,
		},
	}
}

// overwriting fileSystem lets us use a mock filesystem for tests
var fileSystem fs.FS = osFS{}

type osFS struct{}

// osFS implements fs.FS.
func (o osFS) Open(name string) (fs.File, error) {
	return os.Open(name)
}

// Load reads and decodes the file at path. Optional values missing from the
// file take their defaults.
func Load(path string) (*Configuration, error) {
	b, err := fs.ReadFile(fileSystem, path)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "read %s: %s", path, err)
	}
	c, err := Parse(bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return c, nil
}

// Parse decodes a configuration from r.
func Parse(r io.Reader) (*Configuration, error) {
	c := new(Configuration)
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, ErrConfig) {
			return nil, err
		}
		return nil, errors.Wrapf(ErrConfig, "decode: %s", err)
	}
	if c.Sam.Endpoint == "" {
		c.Sam.Endpoint = common.DefaultSAMEndpoint
	}
	if c.Sam.Timeout == 0 {
		c.Sam.Timeout = Duration(common.DefaultSAMTimeout)
	}
	if c.Sam.SignatureType == "" {
		c.Sam.SignatureType = sam.DefaultSignatureType
	}
	return c, nil
}

// Save encodes c to path, replacing the file.
func (c *Configuration) Save(path string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "encode configuration")
	}
	if err := enc.Close(); err != nil {
		return errors.Wrap(err, "encode configuration")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

// ValidateSam checks what every overlay mode needs.
func (c *Configuration) ValidateSam() error {
	if err := validateAddress("sam.endpoint", c.Sam.Endpoint); err != nil {
		return err
	}
	if c.Sam.Timeout < 0 {
		return errors.Wrap(ErrConfig, "sam.timeout is negative")
	}
	return nil
}

// ValidateForwarder checks forwarder mode settings after flag overrides were
// applied.
func (c *Configuration) ValidateForwarder() error {
	if err := c.ValidateSam(); err != nil {
		return err
	}
	if err := validateAddress("proxy.listen_address", c.Proxy.ListenAddress); err != nil {
		return err
	}
	if c.Proxy.ForwardAddress == "" {
		return errors.Wrap(ErrConfig, "proxy.forward_address (or -destination) is required")
	}
	return nil
}

// ValidateServer checks server mode settings and returns the parsed key.
func (c *Configuration) ValidateServer() (sam.PrivateKey, error) {
	if err := c.ValidateSam(); err != nil {
		return sam.PrivateKey{}, err
	}
	if err := validateAddress("server.listen_address", c.Server.ListenAddress); err != nil {
		return sam.PrivateKey{}, err
	}
	if c.Server.PrivateKey == "" {
		return sam.PrivateKey{}, errors.Wrap(ErrConfig, "server.private_key is required, see utils gen-destination")
	}
	priv, err := sam.ParsePrivateKey(c.Server.PrivateKey)
	if err != nil {
		return sam.PrivateKey{}, errors.Wrapf(ErrConfig, "server.private_key: %s", err)
	}
	if c.Server.PublicKey != "" {
		pub, err := sam.ParseDestination(c.Server.PublicKey)
		if err != nil || pub != priv.Destination() {
			return sam.PrivateKey{}, errors.Wrap(ErrConfig, "server.public_key does not match server.private_key")
		}
	}
	return priv, nil
}

func validateAddress(name, addr string) error {
	if addr == "" {
		return errors.Wrapf(ErrConfig, "%s is required", name)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return errors.Wrapf(ErrConfig, "%s: %s", name, err)
	}
	return nil
}
