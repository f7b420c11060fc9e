package sam

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Network is the net.Addr network name of overlay addresses.
const Network = "i2p"

// SignatureType names a destination signing algorithm. It is passed to the
// bridge as-is.
type SignatureType string

// Signature types understood by SAM 3.1 and newer bridges.
const (
	DSA_SHA1              SignatureType = "DSA_SHA1"
	ECDSA_SHA256_P256     SignatureType = "ECDSA_SHA256_P256"
	ECDSA_SHA384_P384     SignatureType = "ECDSA_SHA384_P384"
	ECDSA_SHA512_P521     SignatureType = "ECDSA_SHA512_P521"
	EdDSA_SHA512_Ed25519  SignatureType = "EdDSA_SHA512_Ed25519"
	RedDSA_SHA512_Ed25519 SignatureType = "RedDSA_SHA512_Ed25519"

	DefaultSignatureType = EdDSA_SHA512_Ed25519
)

// A destination is a 256 byte encryption key, a 128 byte signing key and a
// certificate whose header carries a 2 byte payload length.
const (
	destinationKeysLength   = 256 + 128
	certificateHeaderLength = 3
	minDestinationLength    = destinationKeysLength + certificateHeaderLength
)

// Encoding is the I2P base64 alphabet.
var Encoding = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-~")

var b32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func decode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "=") || len(s)%4 == 0 {
		return Encoding.DecodeString(s)
	}
	return Encoding.WithPadding(base64.NoPadding).DecodeString(s)
}

// destinationLength returns the length of the destination at the start of b.
func destinationLength(b []byte) (int, error) {
	if len(b) < minDestinationLength {
		return 0, errors.Wrapf(ErrProtocol, "destination too short: %d bytes", len(b))
	}
	certLen := int(binary.BigEndian.Uint16(b[destinationKeysLength+1 : minDestinationLength]))
	n := minDestinationLength + certLen
	if len(b) < n {
		return 0, errors.Wrapf(ErrProtocol, "destination certificate truncated: need %d bytes, have %d", n, len(b))
	}
	return n, nil
}

// Destination is an overlay address. The zero value is not a valid
// destination.
type Destination struct {
	raw string
}

// ParseDestination decodes a base64 destination.
func ParseDestination(s string) (Destination, error) {
	b, err := decode(s)
	if err != nil {
		return Destination{}, errors.Wrapf(ErrProtocol, "invalid destination encoding: %s", err)
	}
	n, err := destinationLength(b)
	if err != nil {
		return Destination{}, err
	}
	if n != len(b) {
		return Destination{}, errors.Wrapf(ErrProtocol, "destination has %d trailing bytes", len(b)-n)
	}
	return Destination{raw: string(b)}, nil
}

// IsZero reports whether d is the zero Destination.
func (d Destination) IsZero() bool {
	return d.raw == ""
}

// Bytes returns a copy of the binary destination.
func (d Destination) Bytes() []byte {
	return []byte(d.raw)
}

// String returns the base64 form.
func (d Destination) String() string {
	return Encoding.EncodeToString([]byte(d.raw))
}

// Base32 returns the short "<hash>.b32.i2p" address of d.
func (d Destination) Base32() string {
	h := sha256.Sum256([]byte(d.raw))
	return strings.ToLower(b32Encoding.EncodeToString(h[:])) + ".b32.i2p"
}

// Addr returns d as a net.Addr.
func (d Destination) Addr() Addr {
	return Addr{Destination: d}
}

// Addr is a net.Addr holding a Destination.
type Addr struct {
	Destination Destination
}

// Network returns "i2p".
func (a Addr) Network() string {
	return Network
}

func (a Addr) String() string {
	if a.Destination.IsZero() {
		return "<transient>"
	}
	return a.Destination.Base32()
}

// PrivateKey is the private half of a destination as produced by DEST
// GENERATE. It begins with the public destination.
type PrivateKey struct {
	raw  string
	dest Destination
}

// ParsePrivateKey decodes a base64 private key and derives its destination.
func ParsePrivateKey(s string) (PrivateKey, error) {
	if strings.TrimSpace(s) == "" {
		return PrivateKey{}, errors.Wrap(ErrProtocol, "empty private key")
	}
	b, err := decode(s)
	if err != nil {
		return PrivateKey{}, errors.Wrapf(ErrProtocol, "invalid private key encoding: %s", err)
	}
	n, err := destinationLength(b)
	if err != nil {
		return PrivateKey{}, err
	}
	if n == len(b) {
		return PrivateKey{}, errors.Wrap(ErrProtocol, "private key holds only a public destination")
	}
	return PrivateKey{raw: string(b), dest: Destination{raw: string(b[:n])}}, nil
}

// IsZero reports whether k is the zero PrivateKey.
func (k PrivateKey) IsZero() bool {
	return k.raw == ""
}

// Destination returns the public destination of k.
func (k PrivateKey) Destination() Destination {
	return k.dest
}

// String returns the base64 form.
func (k PrivateKey) String() string {
	return Encoding.EncodeToString([]byte(k.raw))
}

// IsName reports whether s is a host name (".i2p" suffix) rather than a
// base64 destination.
func IsName(s string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(s)), ".i2p")
}
