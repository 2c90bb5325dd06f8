// Package ntske implements the NTS Key Establishment protocol from
// RFC 8915: a record-framed request/response exchange over TLS that
// negotiates an AEAD algorithm and hands out cookies and exporter keys
// for authenticating NTP with NTS extension fields.
package ntske

import (
	"encoding/binary"
	"errors"
)

// NTS-KE record types.
const (
	RecEndOfMessage  uint16 = 0
	RecNextProto     uint16 = 1
	RecError         uint16 = 2
	RecWarning       uint16 = 3
	RecAEADAlgorithm uint16 = 4
	RecCookie        uint16 = 5
	RecNTPv4Server   uint16 = 6
	RecNTPv4Port     uint16 = 7
)

const recordCriticalBit uint16 = 1 << 15

// NextProtoNTPv4 is the protocol ID negotiated in the Next Protocol
// record. This implementation only speaks NTPv4.
const NextProtoNTPv4 uint16 = 0

// AEADAesSivCmac256 is the numeric identifier of AEAD_AES_SIV_CMAC_256
// (RFC 5297). Server implementations of NTS extension fields for NTPv4
// MUST support it.
const AEADAesSivCmac256 uint16 = 15

// Error codes carried in an Error record.
const (
	ErrorUnrecognizedCriticalRecord uint16 = 0
	ErrorBadRequest                 uint16 = 1
	ErrorInternalServer             uint16 = 2
)

const (
	// MaxMessageLength bounds a complete NTS-KE message.
	MaxMessageLength = 16384

	// MaxRecordBodyLength bounds record bodies the server request
	// parser is willing to look at.
	MaxRecordBodyLength = 256

	recordHeaderLength = 4
)

var (
	errRecordTooLong = errors.New("record body too long")
	errMessageFull   = errors.New("message buffer full")
)

// Message is a fixed-capacity NTS-KE message buffer. The same buffer
// is used for assembling an outgoing message and for accumulating an
// incoming one: length counts valid bytes, sent counts bytes already
// handed to the TLS layer, eof records that the peer closed the
// stream, and parsed is the record iteration cursor.
type Message struct {
	data   [MaxMessageLength]byte
	length int
	sent   int
	eof    bool
	parsed int
}

// Format is the result of checking a received message for completeness.
type Format int

const (
	FormatIncomplete Format = iota
	FormatError
	FormatOK
)

// Reset empties the message and all cursors.
func (m *Message) Reset() {
	m.length = 0
	m.sent = 0
	m.eof = false
	m.parsed = 0
}

// ResetParsing restarts record iteration from the first record.
func (m *Message) ResetParsing() {
	m.parsed = 0
}

// AddRecord appends one record. It fails when the body exceeds the
// 16-bit length field or the message buffer would overflow.
func (m *Message) AddRecord(critical bool, typ uint16, body []byte) error {
	if len(body) > 0xffff {
		return errRecordTooLong
	}
	if m.length+recordHeaderLength+len(body) > len(m.data) {
		return errMessageFull
	}

	t := typ
	if critical {
		t |= recordCriticalBit
	}
	binary.BigEndian.PutUint16(m.data[m.length:], t)
	binary.BigEndian.PutUint16(m.data[m.length+2:], uint16(len(body)))
	m.length += recordHeaderLength

	copy(m.data[m.length:], body)
	m.length += len(body)

	return nil
}

// GetRecord yields the next record and advances the parsing cursor.
// It returns ok=false when fewer than a record header remains or the
// declared body runs past the valid bytes. The returned body aliases
// the message buffer.
func (m *Message) GetRecord() (critical bool, typ uint16, body []byte, ok bool) {
	if m.length < m.parsed+recordHeaderLength {
		return false, 0, nil, false
	}

	t := binary.BigEndian.Uint16(m.data[m.parsed:])
	blen := int(binary.BigEndian.Uint16(m.data[m.parsed+2:]))

	if m.length < m.parsed+recordHeaderLength+blen {
		return false, 0, nil, false
	}

	critical = t&recordCriticalBit != 0
	typ = t &^ recordCriticalBit
	body = m.data[m.parsed+recordHeaderLength : m.parsed+recordHeaderLength+blen]
	m.parsed += recordHeaderLength + blen

	return critical, typ, body, true
}

// CheckFormat iterates over the accumulated records and decides
// whether the message is complete. A message is complete when it
// parses to the end and the last record is a critical End of Message
// with an empty body. Until the peer closes the stream, a truncated
// record or a missing End of Message is incomplete, not an error:
// the rest may arrive in a later TLS record. A record following End
// of Message violates the no-trailing-bytes rule and is an error, as
// is an empty buffer or a malformed End of Message.
func (m *Message) CheckFormat() Format {
	m.ResetParsing()

	var critical, sawEOM bool
	var typ uint16
	var body []byte

	for {
		c, t, b, ok := m.GetRecord()
		if !ok {
			break
		}
		if sawEOM {
			return FormatError
		}
		critical, typ, body = c, t, b
		if typ == RecEndOfMessage {
			sawEOM = true
		}
	}

	if m.length == 0 {
		return FormatError
	}
	if m.parsed < m.length {
		if m.eof {
			return FormatError
		}
		return FormatIncomplete
	}

	if !critical || typ != RecEndOfMessage || len(body) != 0 {
		// A malformed terminator never becomes valid. Anything
		// else is complete records with no End of Message yet:
		// more may still arrive on an open stream.
		if typ == RecEndOfMessage || m.eof {
			return FormatError
		}
		return FormatIncomplete
	}

	return FormatOK
}

// unsent returns the part of the message not yet written out.
func (m *Message) unsent() []byte {
	return m.data[m.sent:m.length]
}

// space returns the unused tail of the buffer for receiving into.
func (m *Message) space() []byte {
	return m.data[m.length:]
}
