package nts

import (
	"encoding/binary"
	"errors"
)

// NTS extension field types.
const (
	ExtUniqueIdentifier  uint16 = 0x0104
	ExtCookie            uint16 = 0x0204
	ExtCookiePlaceholder uint16 = 0x0304
	ExtAuthAndEEF        uint16 = 0x0404
)

const (
	extHeaderLength = 4

	// RFC 7822: an extension field is at least 16 bytes, and a
	// trailing run of at most 24 bytes is a legacy MAC, not an
	// extension field. These rules make NTPv4 parsing deterministic.
	minExtFieldLength = 16
	maxMACLength      = 24
)

var (
	errFieldTooLong = errors.New("extension field does not fit in packet")
	errBadPacket    = errors.New("packet not valid for extension fields")
)

// paddedLength rounds a length up to the 4-byte alignment extension
// field contents use.
func paddedLength(length int) int {
	if length%4 != 0 {
		length += 4 - length%4
	}
	return length
}

// AddField appends one extension field to the packet and returns the
// extended packet. The body is zero-padded to 4-byte alignment, and a
// field shorter than the RFC 7822 minimum is padded up to it, the
// least length ParseField accepts. A field of at most 24 bytes that
// ends the packet is still taken for a legacy MAC by ParseField.
func AddField(packet []byte, typ uint16, body []byte) ([]byte, error) {
	if len(packet) < HeaderLength || len(packet)%4 != 0 {
		return nil, errBadPacket
	}

	fieldLen := extHeaderLength + paddedLength(len(body))
	if fieldLen < minExtFieldLength {
		fieldLen = minExtFieldLength
	}
	if len(packet)+fieldLen > MaxPacketLength {
		return nil, errFieldTooLong
	}

	var header [extHeaderLength]byte
	binary.BigEndian.PutUint16(header[0:], typ)
	binary.BigEndian.PutUint16(header[2:], uint16(fieldLen))

	packet = append(packet, header[:]...)
	packet = append(packet, body...)
	packet = append(packet, make([]byte, fieldLen-extHeaderLength-len(body))...)

	return packet, nil
}

// ParseField returns the extension field starting at offset parsed,
// as a bounds-checked view into the packet. The returned body
// includes the field's padding; next is the offset of the following
// field. ok is false when no further extension field can be parsed:
// at the end of the packet, on a malformed length, or when the
// remaining bytes can only be a legacy MAC.
func ParseField(packet []byte, parsed int) (next int, typ uint16, body []byte, ok bool) {
	if len(packet) < HeaderLength || len(packet)%4 != 0 {
		return 0, 0, nil, false
	}

	// Only NTPv4 packets have extension fields.
	if packetVersion(packet) != 4 {
		return 0, 0, nil, false
	}

	if parsed < HeaderLength {
		parsed = HeaderLength
	}
	if parsed%4 != 0 {
		return 0, 0, nil, false
	}

	remainder := len(packet) - parsed
	if remainder <= maxMACLength {
		return 0, 0, nil, false
	}
	if remainder%4 != 0 || remainder < minExtFieldLength {
		return 0, 0, nil, false
	}

	typ = binary.BigEndian.Uint16(packet[parsed:])
	fieldLen := int(binary.BigEndian.Uint16(packet[parsed+2:]))

	if fieldLen < minExtFieldLength || fieldLen > remainder || fieldLen%4 != 0 {
		return 0, 0, nil, false
	}

	body = packet[parsed+extHeaderLength : parsed+fieldLen]

	return parsed + fieldLen, typ, body, true
}

// authAndEEF is the parsed body of an NTS Authenticator and Encrypted
// Extension Fields field.
type authAndEEF struct {
	nonce      []byte
	ciphertext []byte
}

// parseAuthAndEEF decodes the auth field body: two big-endian u16
// lengths followed by the nonce and ciphertext, each padded to 4
// bytes.
func parseAuthAndEEF(body []byte) (*authAndEEF, bool) {
	if len(body) < 4 {
		return nil, false
	}

	nonceLen := int(binary.BigEndian.Uint16(body[0:]))
	ctLen := int(binary.BigEndian.Uint16(body[2:]))

	if paddedLength(nonceLen)+paddedLength(ctLen) > len(body) {
		return nil, false
	}

	nonceStart := 4
	ctStart := nonceStart + paddedLength(nonceLen)
	if nonceStart+nonceLen > len(body) || ctStart+ctLen > len(body) {
		return nil, false
	}

	return &authAndEEF{
		nonce:      body[nonceStart : nonceStart+nonceLen],
		ciphertext: body[ctStart : ctStart+ctLen],
	}, true
}

// encodeAuthAndEEF builds the auth field body from a nonce and
// ciphertext.
func encodeAuthAndEEF(nonce, ciphertext []byte) []byte {
	body := make([]byte, 4, 4+paddedLength(len(nonce))+paddedLength(len(ciphertext)))
	binary.BigEndian.PutUint16(body[0:], uint16(len(nonce)))
	binary.BigEndian.PutUint16(body[2:], uint16(len(ciphertext)))

	body = append(body, nonce...)
	body = append(body, make([]byte, paddedLength(len(nonce))-len(nonce))...)
	body = append(body, ciphertext...)
	body = append(body, make([]byte, paddedLength(len(ciphertext))-len(ciphertext))...)

	return body
}
