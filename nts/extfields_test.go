package nts

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPacket(t *testing.T, md Mode) []byte {
	t.Helper()
	var hdr Header
	hdr.SetVersion(4)
	hdr.SetMode(md)
	packet := hdr.Encode()
	require.Len(t, packet, HeaderLength)
	return packet
}

func TestPaddedLength(t *testing.T) {
	tests := map[int]int{0: 0, 1: 4, 2: 4, 3: 4, 4: 4, 5: 8, 16: 16, 100: 100}
	for in, want := range tests {
		got := paddedLength(in)
		assert.Equal(t, want, got)
		assert.Zero(t, got%4)
		assert.Equal(t, got, paddedLength(got), "paddedLength must be idempotent")
	}
}

func TestAddParseRoundtrip(t *testing.T) {
	packet := testPacket(t, ModeClient)

	uid := bytes.Repeat([]byte{0xab}, 32)
	packet, err := AddField(packet, ExtUniqueIdentifier, uid)
	require.NoError(t, err)

	cookie := bytes.Repeat([]byte{0xcd}, 100)
	packet, err = AddField(packet, ExtCookie, cookie)
	require.NoError(t, err)

	assert.Zero(t, len(packet)%4)

	next, typ, body, ok := ParseField(packet, HeaderLength)
	require.True(t, ok)
	assert.Equal(t, ExtUniqueIdentifier, typ)
	assert.Equal(t, uid, body)

	next2, typ, body, ok := ParseField(packet, next)
	require.True(t, ok)
	assert.Equal(t, ExtCookie, typ)
	assert.Equal(t, cookie, body)

	_, _, _, ok = ParseField(packet, next2)
	assert.False(t, ok, "no field after the last one")
}

func TestAddFieldPadsShortBodies(t *testing.T) {
	packet := testPacket(t, ModeClient)

	packet, err := AddField(packet, ExtUniqueIdentifier, []byte{1, 2, 3})
	require.NoError(t, err)

	// Padded to both 4-byte alignment and the minimum field length.
	assert.Equal(t, HeaderLength+minExtFieldLength, len(packet))

	// A lone trailing 16-byte field would be taken for a legacy MAC,
	// so another field follows it before parsing.
	packet, err = AddField(packet, ExtCookie, make([]byte, 32))
	require.NoError(t, err)

	_, typ, body, ok := ParseField(packet, HeaderLength)
	require.True(t, ok)
	assert.Equal(t, ExtUniqueIdentifier, typ)
	assert.Equal(t, []byte{1, 2, 3}, body[:3])
}

func TestAddFieldOverflow(t *testing.T) {
	packet := testPacket(t, ModeClient)
	_, err := AddField(packet, ExtCookie, make([]byte, MaxPacketLength))
	assert.ErrorIs(t, err, errFieldTooLong)
}

func TestParseFieldStopsAtLegacyMAC(t *testing.T) {
	packet := testPacket(t, ModeClient)
	// A 20-byte trailer can only be a MAC, never an extension field.
	packet = append(packet, make([]byte, 20)...)

	_, _, _, ok := ParseField(packet, HeaderLength)
	assert.False(t, ok)
}

func TestParseFieldRejectsNonNTPv4(t *testing.T) {
	packet := testPacket(t, ModeClient)
	packet, err := AddField(packet, ExtUniqueIdentifier, make([]byte, 32))
	require.NoError(t, err)

	var hdr Header
	hdr.SetVersion(3)
	hdr.SetMode(ModeClient)
	copy(packet, hdr.Encode())

	_, _, _, ok := ParseField(packet, HeaderLength)
	assert.False(t, ok)
}

func TestParseFieldRejectsBadLengths(t *testing.T) {
	packet := testPacket(t, ModeClient)
	packet, err := AddField(packet, ExtUniqueIdentifier, make([]byte, 32))
	require.NoError(t, err)

	// Declared field length runs past the packet.
	binary.BigEndian.PutUint16(packet[HeaderLength+2:], uint16(len(packet)))
	_, _, _, ok := ParseField(packet, HeaderLength)
	assert.False(t, ok)

	// Declared length below the minimum.
	binary.BigEndian.PutUint16(packet[HeaderLength+2:], 8)
	_, _, _, ok = ParseField(packet, HeaderLength)
	assert.False(t, ok)

	// Unaligned declared length.
	binary.BigEndian.PutUint16(packet[HeaderLength+2:], 34)
	_, _, _, ok = ParseField(packet, HeaderLength)
	assert.False(t, ok)
}

func TestAuthAndEEFRoundtrip(t *testing.T) {
	nonce := bytes.Repeat([]byte{0x01}, 16)
	ciphertext := bytes.Repeat([]byte{0x02}, 16)

	body := encodeAuthAndEEF(nonce, ciphertext)
	assert.Zero(t, len(body)%4)

	auth, ok := parseAuthAndEEF(body)
	require.True(t, ok)
	assert.Equal(t, nonce, auth.nonce)
	assert.Equal(t, ciphertext, auth.ciphertext)
}

func TestParseAuthAndEEFRejects(t *testing.T) {
	_, ok := parseAuthAndEEF([]byte{0x00})
	assert.False(t, ok, "body shorter than the length fields")

	// Lengths exceeding the body.
	body := make([]byte, 8)
	binary.BigEndian.PutUint16(body[0:], 16)
	binary.BigEndian.PutUint16(body[2:], 16)
	_, ok = parseAuthAndEEF(body)
	assert.False(t, ok)

	// Padded lengths that fit, raw lengths that do not.
	body = make([]byte, 40)
	binary.BigEndian.PutUint16(body[0:], 36)
	binary.BigEndian.PutUint16(body[2:], 4)
	_, ok = parseAuthAndEEF(body)
	assert.False(t, ok)
}
