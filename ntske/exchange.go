package ntske

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxCookies is how many cookies a server hands out in one response
// and how many a client stores.
const MaxCookies = 8

// NTPPort is the default NTP port. The server advertises a port
// record only when configured to differ from it.
const NTPPort = 123

const (
	nextProtocolNone = -1
	aeadNone         = -1
	keErrorNone      = -1
)

var (
	errBadResponse       = errors.New("bad NTS-KE response")
	errResponseError     = errors.New("NTS-KE response carries an error record")
	errResponseWarning   = errors.New("NTS-KE response carries a warning record")
	errUnknownCritical   = errors.New("unknown record type with critical bit set")
	errDuplicateRecord   = errors.New("duplicate record in response")
	errMissingNegotiated = errors.New("response missing negotiated protocol or algorithm")
)

// Data is the negotiated result of a key exchange, from the client's
// point of view.
type Data struct {
	C2sKey Key
	S2cKey Key
	Server string
	Port   uint16
	Cookie [][]byte
	Algo   uint16
}

// prepareRequest builds the client request: we offer NTPv4 and
// AES-SIV-CMAC-256, both critical.
func prepareRequest(msg *Message) error {
	msg.Reset()

	datum := make([]byte, 2)

	binary.BigEndian.PutUint16(datum, NextProtoNTPv4)
	if err := msg.AddRecord(true, RecNextProto, datum); err != nil {
		return err
	}

	binary.BigEndian.PutUint16(datum, AEADAesSivCmac256)
	if err := msg.AddRecord(true, RecAEADAlgorithm, datum); err != nil {
		return err
	}

	return msg.AddRecord(true, RecEndOfMessage, nil)
}

// processRequest scans a client request and selects the next protocol
// and AEAD algorithm from the offered lists. It returns a KE error
// code, or keErrorNone with the selections.
func processRequest(msg *Message) (nextProto, aead, keError int) {
	nextProto = nextProtocolNone
	aead = aeadNone
	keError = keErrorNone
	hasNextProto := false

	msg.ResetParsing()

	for keError == keErrorNone {
		critical, typ, body, ok := msg.GetRecord()
		if !ok {
			break
		}
		if len(body) > MaxRecordBodyLength {
			body = body[:MaxRecordBodyLength]
		}

		switch typ {
		case RecNextProto:
			if !critical || len(body) < 2 || len(body)%2 != 0 {
				keError = int(ErrorBadRequest)
				break
			}
			for i := 0; i+2 <= len(body); i += 2 {
				if binary.BigEndian.Uint16(body[i:]) == NextProtoNTPv4 {
					nextProto = int(NextProtoNTPv4)
				}
			}
			hasNextProto = true
		case RecAEADAlgorithm:
			if len(body) < 2 || len(body)%2 != 0 {
				keError = int(ErrorBadRequest)
				break
			}
			for i := 0; i+2 <= len(body); i += 2 {
				if binary.BigEndian.Uint16(body[i:]) == AEADAesSivCmac256 {
					aead = int(AEADAesSivCmac256)
				}
			}
		case RecError, RecWarning, RecCookie:
			keError = int(ErrorBadRequest)
		case RecEndOfMessage:
		default:
			if critical {
				keError = int(ErrorUnrecognizedCriticalRecord)
			}
		}
	}

	if !hasNextProto {
		keError = int(ErrorBadRequest)
	}

	return nextProto, aead, keError
}

// prepareResponse builds the server response. On a KE error it is a
// single critical Error record; otherwise the negotiated protocol and
// algorithm, the NTP port when it differs from the default, and
// MaxCookies fresh cookies sealed over the exporter keys.
func prepareResponse(msg *Message, keError, nextProto, aead int, ring *KeyRing, c2s, s2c Key, ntpPort uint16) error {
	msg.Reset()

	datum := make([]byte, 2)

	if keError != keErrorNone {
		binary.BigEndian.PutUint16(datum, uint16(keError))
		if err := msg.AddRecord(true, RecError, datum); err != nil {
			return err
		}
		return msg.AddRecord(true, RecEndOfMessage, nil)
	}

	binary.BigEndian.PutUint16(datum, uint16(nextProto))
	if err := msg.AddRecord(true, RecNextProto, datum); err != nil {
		return err
	}

	binary.BigEndian.PutUint16(datum, uint16(aead))
	if err := msg.AddRecord(true, RecAEADAlgorithm, datum); err != nil {
		return err
	}

	if ntpPort != 0 && ntpPort != NTPPort {
		binary.BigEndian.PutUint16(datum, ntpPort)
		if err := msg.AddRecord(true, RecNTPv4Port, datum); err != nil {
			return err
		}
	}

	for i := 0; i < MaxCookies; i++ {
		cookie, err := ring.SealCookie(c2s, s2c)
		if err != nil {
			return fmt.Errorf("seal cookie: %w", err)
		}
		if err := msg.AddRecord(false, RecCookie, cookie); err != nil {
			return err
		}
	}

	return msg.AddRecord(true, RecEndOfMessage, nil)
}

// processResponse scans a server response into Data. Exactly one Next
// Protocol record and exactly one AEAD record are accepted; an Error
// or Warning record, an unknown critical record, or a malformed value
// invalidates the whole response. Cookies longer than MaxCookieLength
// are skipped.
func processResponse(msg *Message, data *Data) error {
	var sawNextProto, sawAead bool

	msg.ResetParsing()

	for {
		critical, typ, body, ok := msg.GetRecord()
		if !ok {
			break
		}

		switch typ {
		case RecNextProto:
			if !critical || len(body) != 2 || binary.BigEndian.Uint16(body) != NextProtoNTPv4 {
				return errBadResponse
			}
			if sawNextProto {
				return errDuplicateRecord
			}
			sawNextProto = true
		case RecAEADAlgorithm:
			if len(body) != 2 || binary.BigEndian.Uint16(body) != AEADAesSivCmac256 {
				return errBadResponse
			}
			if sawAead {
				return errDuplicateRecord
			}
			sawAead = true
			data.Algo = AEADAesSivCmac256
		case RecError:
			return errResponseError
		case RecWarning:
			return errResponseWarning
		case RecCookie:
			if len(body) > MaxCookieLength || len(data.Cookie) >= MaxCookies {
				break
			}
			cookie := make([]byte, len(body))
			copy(cookie, body)
			data.Cookie = append(data.Cookie, cookie)
		case RecNTPv4Server:
			if len(body) < 1 || len(body) > MaxRecordBodyLength {
				return errBadResponse
			}
			data.Server = string(body)
		case RecNTPv4Port:
			if len(body) != 2 {
				return errBadResponse
			}
			data.Port = binary.BigEndian.Uint16(body)
		case RecEndOfMessage:
		default:
			if critical {
				return errUnknownCritical
			}
		}
	}

	if !sawNextProto || !sawAead {
		return errMissingNegotiated
	}

	return nil
}
