package sam

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

// testKey lays out a destination with a 4 byte KEY certificate followed by
// secret material, filled with recognizable bytes.
func testKey(fill byte) (dest []byte, priv []byte) {
	dest = bytes.Repeat([]byte{fill}, destinationKeysLength)
	dest = append(dest, 5, 0, 4, 0, 7, 0, 4)
	priv = append(append([]byte(nil), dest...), bytes.Repeat([]byte{^fill}, 288)...)
	return dest, priv
}

func TestParsePrivateKeyDerivesDestination(t *testing.T) {
	dest, priv := testKey(0x42)
	k, err := ParsePrivateKey(Encoding.EncodeToString(priv))
	assert.NilError(t, err)
	assert.DeepEqual(t, k.Destination().Bytes(), dest)
	assert.Equal(t, k.String(), Encoding.EncodeToString(priv))

	d, err := ParseDestination(Encoding.EncodeToString(dest))
	assert.NilError(t, err)
	assert.Equal(t, d, k.Destination())

	again, err := ParsePrivateKey(k.String())
	assert.NilError(t, err)
	assert.Equal(t, again.Destination(), d)
}

func TestDestinationText(t *testing.T) {
	dest, _ := testKey(0x01)
	d, err := ParseDestination(Encoding.EncodeToString(dest))
	assert.NilError(t, err)

	s := d.String()
	assert.Assert(t, !strings.ContainsAny(s, "+/"))

	b32 := d.Base32()
	assert.Assert(t, strings.HasSuffix(b32, ".b32.i2p"))
	assert.Equal(t, len(strings.TrimSuffix(b32, ".b32.i2p")), 52)
	assert.Equal(t, b32, strings.ToLower(b32))

	addr := d.Addr()
	assert.Equal(t, addr.Network(), "i2p")
	assert.Equal(t, addr.String(), b32)
}

func TestDestinationUnpadded(t *testing.T) {
	dest, _ := testKey(0x07)
	s := strings.TrimRight(Encoding.EncodeToString(dest), "=")
	d, err := ParseDestination(s)
	assert.NilError(t, err)
	assert.DeepEqual(t, d.Bytes(), dest)
}

func TestParseDestinationErrors(t *testing.T) {
	dest, priv := testKey(0x09)

	_, err := ParseDestination("not base64 !")
	assert.Assert(t, errors.Is(err, ErrProtocol))

	_, err = ParseDestination(Encoding.EncodeToString(dest[:100]))
	assert.Assert(t, errors.Is(err, ErrProtocol))

	// A private key is not a destination.
	_, err = ParseDestination(Encoding.EncodeToString(priv))
	assert.Assert(t, errors.Is(err, ErrProtocol))

	// Certificate length pointing past the end.
	bad := append([]byte(nil), dest...)
	bad[destinationKeysLength+2] = 200
	_, err = ParseDestination(Encoding.EncodeToString(bad))
	assert.Assert(t, errors.Is(err, ErrProtocol))
}

func TestParsePrivateKeyErrors(t *testing.T) {
	dest, _ := testKey(0x10)

	_, err := ParsePrivateKey("")
	assert.Assert(t, errors.Is(err, ErrProtocol))

	_, err = ParsePrivateKey(Encoding.EncodeToString(dest))
	assert.Assert(t, errors.Is(err, ErrProtocol))

	_, err = ParsePrivateKey("%%%%")
	assert.Assert(t, errors.Is(err, ErrProtocol))
}

func TestIsName(t *testing.T) {
	assert.Assert(t, IsName("example.i2p"))
	assert.Assert(t, IsName("ABCDEF.b32.I2P"))
	assert.Assert(t, !IsName("AAAA~-"))
}
