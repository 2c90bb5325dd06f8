package ntske

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func TestProcessRequestNegotiates(t *testing.T) {
	msg := new(Message)
	require.NoError(t, prepareRequest(msg))
	require.Equal(t, FormatOK, msg.CheckFormat())

	nextProto, aead, keError := processRequest(msg)
	assert.Equal(t, int(NextProtoNTPv4), nextProto)
	assert.Equal(t, int(AEADAesSivCmac256), aead)
	assert.Equal(t, keErrorNone, keError)
}

func TestProcessRequestScansOfferedLists(t *testing.T) {
	msg := new(Message)
	// Unknown protocols and algorithms before the ones we speak.
	require.NoError(t, msg.AddRecord(true, RecNextProto, append(u16(0x7777), u16(NextProtoNTPv4)...)))
	require.NoError(t, msg.AddRecord(true, RecAEADAlgorithm, append(u16(30), u16(AEADAesSivCmac256)...)))
	require.NoError(t, msg.AddRecord(true, RecEndOfMessage, nil))

	nextProto, aead, keError := processRequest(msg)
	assert.Equal(t, int(NextProtoNTPv4), nextProto)
	assert.Equal(t, int(AEADAesSivCmac256), aead)
	assert.Equal(t, keErrorNone, keError)
}

func TestProcessRequestErrors(t *testing.T) {
	tests := []struct {
		name    string
		build   func(msg *Message)
		keError int
	}{
		{
			"missing next protocol",
			func(msg *Message) {
				_ = msg.AddRecord(true, RecAEADAlgorithm, u16(AEADAesSivCmac256))
				_ = msg.AddRecord(true, RecEndOfMessage, nil)
			},
			int(ErrorBadRequest),
		},
		{
			"next protocol not critical",
			func(msg *Message) {
				_ = msg.AddRecord(false, RecNextProto, u16(NextProtoNTPv4))
				_ = msg.AddRecord(true, RecEndOfMessage, nil)
			},
			int(ErrorBadRequest),
		},
		{
			"next protocol odd length",
			func(msg *Message) {
				_ = msg.AddRecord(true, RecNextProto, []byte{0x00, 0x00, 0x00})
				_ = msg.AddRecord(true, RecEndOfMessage, nil)
			},
			int(ErrorBadRequest),
		},
		{
			"aead odd length",
			func(msg *Message) {
				_ = msg.AddRecord(true, RecNextProto, u16(NextProtoNTPv4))
				_ = msg.AddRecord(false, RecAEADAlgorithm, []byte{0x0f})
				_ = msg.AddRecord(true, RecEndOfMessage, nil)
			},
			int(ErrorBadRequest),
		},
		{
			"cookie in request",
			func(msg *Message) {
				_ = msg.AddRecord(true, RecNextProto, u16(NextProtoNTPv4))
				_ = msg.AddRecord(false, RecCookie, []byte{1, 2, 3, 4})
				_ = msg.AddRecord(true, RecEndOfMessage, nil)
			},
			int(ErrorBadRequest),
		},
		{
			"error record in request",
			func(msg *Message) {
				_ = msg.AddRecord(true, RecNextProto, u16(NextProtoNTPv4))
				_ = msg.AddRecord(true, RecError, u16(ErrorBadRequest))
				_ = msg.AddRecord(true, RecEndOfMessage, nil)
			},
			int(ErrorBadRequest),
		},
		{
			"unknown critical record",
			func(msg *Message) {
				_ = msg.AddRecord(true, RecNextProto, u16(NextProtoNTPv4))
				_ = msg.AddRecord(true, 0x4321, []byte{0xde, 0xad})
				_ = msg.AddRecord(true, RecEndOfMessage, nil)
			},
			int(ErrorUnrecognizedCriticalRecord),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := new(Message)
			tt.build(msg)
			_, _, keError := processRequest(msg)
			assert.Equal(t, tt.keError, keError)
		})
	}
}

func TestProcessRequestIgnoresUnknownNonCritical(t *testing.T) {
	msg := new(Message)
	require.NoError(t, msg.AddRecord(true, RecNextProto, u16(NextProtoNTPv4)))
	require.NoError(t, msg.AddRecord(true, RecAEADAlgorithm, u16(AEADAesSivCmac256)))
	require.NoError(t, msg.AddRecord(false, 0x4321, []byte{0xde, 0xad}))
	require.NoError(t, msg.AddRecord(true, RecEndOfMessage, nil))

	nextProto, aead, keError := processRequest(msg)
	assert.Equal(t, int(NextProtoNTPv4), nextProto)
	assert.Equal(t, int(AEADAesSivCmac256), aead)
	assert.Equal(t, keErrorNone, keError)
}

func TestResponseRoundtrip(t *testing.T) {
	ring, err := NewKeyRing(zap.NewNop())
	require.NoError(t, err)
	c2s, s2c := testKeys()

	msg := new(Message)
	require.NoError(t, prepareResponse(msg, keErrorNone,
		int(NextProtoNTPv4), int(AEADAesSivCmac256), ring, c2s, s2c, NTPPort))
	require.Equal(t, FormatOK, msg.CheckFormat())

	var data Data
	require.NoError(t, processResponse(msg, &data))

	assert.Equal(t, AEADAesSivCmac256, data.Algo)
	assert.Zero(t, data.Port, "default NTP port must not be advertised")
	require.Len(t, data.Cookie, MaxCookies)

	for _, cookie := range data.Cookie {
		gotC2S, gotS2C, err := ring.OpenCookie(cookie)
		require.NoError(t, err)
		assert.Equal(t, c2s, []byte(gotC2S))
		assert.Equal(t, s2c, []byte(gotS2C))
	}
}

func TestResponseAdvertisesNonDefaultPort(t *testing.T) {
	ring, err := NewKeyRing(zap.NewNop())
	require.NoError(t, err)
	c2s, s2c := testKeys()

	msg := new(Message)
	require.NoError(t, prepareResponse(msg, keErrorNone,
		int(NextProtoNTPv4), int(AEADAesSivCmac256), ring, c2s, s2c, 11123))

	var data Data
	require.NoError(t, processResponse(msg, &data))
	assert.Equal(t, uint16(11123), data.Port)
}

func TestErrorResponse(t *testing.T) {
	msg := new(Message)
	require.NoError(t, prepareResponse(msg, int(ErrorBadRequest), nextProtocolNone, aeadNone, nil, nil, nil, 0))
	require.Equal(t, FormatOK, msg.CheckFormat())

	var data Data
	err := processResponse(msg, &data)
	assert.ErrorIs(t, err, errResponseError)
}

func TestProcessResponseRejects(t *testing.T) {
	valid := func(msg *Message) {
		_ = msg.AddRecord(true, RecNextProto, u16(NextProtoNTPv4))
		_ = msg.AddRecord(true, RecAEADAlgorithm, u16(AEADAesSivCmac256))
	}

	tests := []struct {
		name  string
		build func(msg *Message)
		want  error
	}{
		{
			"duplicate next protocol",
			func(msg *Message) {
				valid(msg)
				_ = msg.AddRecord(true, RecNextProto, u16(NextProtoNTPv4))
			},
			errDuplicateRecord,
		},
		{
			"duplicate aead",
			func(msg *Message) {
				valid(msg)
				_ = msg.AddRecord(true, RecAEADAlgorithm, u16(AEADAesSivCmac256))
			},
			errDuplicateRecord,
		},
		{
			"wrong protocol",
			func(msg *Message) {
				_ = msg.AddRecord(true, RecNextProto, u16(0x7777))
				_ = msg.AddRecord(true, RecAEADAlgorithm, u16(AEADAesSivCmac256))
			},
			errBadResponse,
		},
		{
			"wrong algorithm",
			func(msg *Message) {
				_ = msg.AddRecord(true, RecNextProto, u16(NextProtoNTPv4))
				_ = msg.AddRecord(true, RecAEADAlgorithm, u16(30))
			},
			errBadResponse,
		},
		{
			"warning record",
			func(msg *Message) {
				valid(msg)
				_ = msg.AddRecord(true, RecWarning, u16(0))
			},
			errResponseWarning,
		},
		{
			"unknown critical record",
			func(msg *Message) {
				valid(msg)
				_ = msg.AddRecord(true, 0x4321, nil)
			},
			errUnknownCritical,
		},
		{
			"missing aead",
			func(msg *Message) {
				_ = msg.AddRecord(true, RecNextProto, u16(NextProtoNTPv4))
			},
			errMissingNegotiated,
		},
		{
			"bad port length",
			func(msg *Message) {
				valid(msg)
				_ = msg.AddRecord(false, RecNTPv4Port, []byte{0x01})
			},
			errBadResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := new(Message)
			tt.build(msg)
			_ = msg.AddRecord(true, RecEndOfMessage, nil)

			var data Data
			assert.ErrorIs(t, processResponse(msg, &data), tt.want)
		})
	}
}

func TestProcessResponseServerAndCookies(t *testing.T) {
	msg := new(Message)
	require.NoError(t, msg.AddRecord(true, RecNextProto, u16(NextProtoNTPv4)))
	require.NoError(t, msg.AddRecord(true, RecAEADAlgorithm, u16(AEADAesSivCmac256)))
	require.NoError(t, msg.AddRecord(false, RecNTPv4Server, []byte("ntp.example.com")))
	require.NoError(t, msg.AddRecord(false, RecNTPv4Port, u16(8123)))
	require.NoError(t, msg.AddRecord(false, RecCookie, make([]byte, CookieLength)))
	// Oversized cookies are skipped, not fatal.
	require.NoError(t, msg.AddRecord(false, RecCookie, make([]byte, MaxCookieLength+1)))
	require.NoError(t, msg.AddRecord(true, RecEndOfMessage, nil))

	var data Data
	require.NoError(t, processResponse(msg, &data))
	assert.Equal(t, "ntp.example.com", data.Server)
	assert.Equal(t, uint16(8123), data.Port)
	assert.Len(t, data.Cookie, 1)
}
