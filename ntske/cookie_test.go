package ntske

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testKeys() (Key, Key) {
	c2s := bytes.Repeat([]byte{0x11}, KeyLength)
	s2c := bytes.Repeat([]byte{0x22}, KeyLength)
	return c2s, s2c
}

func TestCookieRoundtrip(t *testing.T) {
	ring, err := NewKeyRing(zap.NewNop())
	require.NoError(t, err)

	c2s, s2c := testKeys()
	cookie, err := ring.SealCookie(c2s, s2c)
	require.NoError(t, err)
	assert.Len(t, cookie, CookieLength)

	gotC2S, gotS2C, err := ring.OpenCookie(cookie)
	require.NoError(t, err)
	assert.Equal(t, c2s, []byte(gotC2S))
	assert.Equal(t, s2c, []byte(gotS2C))
}

// A cookie stays valid while its sealing key remains in the ring and
// fails to open once four rotations have recycled the slot.
func TestCookieExpiresAfterRotation(t *testing.T) {
	ring, err := NewKeyRing(zap.NewNop())
	require.NoError(t, err)

	c2s, s2c := testKeys()
	cookie, err := ring.SealCookie(c2s, s2c)
	require.NoError(t, err)

	for i := 0; i < keyRingSize-1; i++ {
		require.NoError(t, ring.Rotate())
		_, _, err := ring.OpenCookie(cookie)
		assert.NoError(t, err, "cookie should open after %d rotations", i+1)
	}

	require.NoError(t, ring.Rotate())
	_, _, err = ring.OpenCookie(cookie)
	assert.Error(t, err, "cookie should not open once its slot was recycled")
}

func TestOpenCookieBadLength(t *testing.T) {
	ring, err := NewKeyRing(zap.NewNop())
	require.NoError(t, err)

	c2s, s2c := testKeys()
	cookie, err := ring.SealCookie(c2s, s2c)
	require.NoError(t, err)

	_, _, err = ring.OpenCookie(cookie[:CookieLength-1])
	assert.ErrorIs(t, err, errCookieLength)

	_, _, err = ring.OpenCookie(append(cookie, 0))
	assert.ErrorIs(t, err, errCookieLength)
}

func TestOpenCookieUnknownKey(t *testing.T) {
	ring, err := NewKeyRing(zap.NewNop())
	require.NoError(t, err)

	c2s, s2c := testKeys()
	cookie, err := ring.SealCookie(c2s, s2c)
	require.NoError(t, err)

	cookie[0] ^= 0xff
	_, _, err = ring.OpenCookie(cookie)
	assert.ErrorIs(t, err, errUnknownKey)
}

func TestOpenCookieTampered(t *testing.T) {
	ring, err := NewKeyRing(zap.NewNop())
	require.NoError(t, err)

	c2s, s2c := testKeys()
	cookie, err := ring.SealCookie(c2s, s2c)
	require.NoError(t, err)

	cookie[CookieLength-1] ^= 0x01
	_, _, err = ring.OpenCookie(cookie)
	assert.Error(t, err)
}

func TestSealCookieKeyLength(t *testing.T) {
	ring, err := NewKeyRing(zap.NewNop())
	require.NoError(t, err)

	short := make([]byte, KeyLength-1)
	_, s2c := testKeys()
	_, err = ring.SealCookie(short, s2c)
	assert.ErrorIs(t, err, errCookieKeySize)
}
