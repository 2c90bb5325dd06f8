package nts

import (
	"crypto/rand"
	"errors"

	"go.uber.org/zap"

	"github.com/ddrown/chrony-nts/ntske"
)

var (
	errNotRequest     = errors.New("not an NTS client request")
	errRequestCookies = errors.New("request must carry exactly one cookie")
	errNoAuthField    = errors.New("request has no authenticator field")
)

// Server validates NTS requests and authenticates responses. It
// shares the key ring with the NTS-KE server that issued the cookies.
type Server struct {
	ring *ntske.KeyRing
	log  *zap.Logger
}

// NewServer creates the NTS-NTP server side over a key ring.
func NewServer(ring *ntske.KeyRing, log *zap.Logger) *Server {
	return &Server{ring: ring, log: log}
}

// RequestInfo is what a validated request contributes to its
// response: the session keys recovered from the cookie, the unique
// identifier to echo, and how many cookies the client asked to be
// replenished (its cookie plus each placeholder).
type RequestInfo struct {
	C2S        ntske.Key
	S2C        ntske.Key
	UniqueID   []byte
	NumCookies int
}

// CheckRequestAuth validates an NTS client request. The packet must
// be NTPv4 client mode with exactly one cookie that opens under a
// ring key, and the authenticator must verify under the recovered C2S
// key over all packet bytes before it. Failures are silent drops at
// the caller.
func (s *Server) CheckRequestAuth(packet []byte) (*RequestInfo, error) {
	if len(packet) < HeaderLength {
		return nil, errNotRequest
	}
	if packetVersion(packet) != 4 || packetMode(packet) != ModeClient {
		return nil, errNotRequest
	}

	var cookie []byte
	var uniqueID []byte
	var auth *authAndEEF
	var authStart int
	placeholders := 0

	parsed := HeaderLength
	for {
		next, typ, body, ok := ParseField(packet, parsed)
		if !ok {
			break
		}

		switch typ {
		case ExtUniqueIdentifier:
			uniqueID = body
		case ExtCookie:
			if cookie != nil {
				// Exactly one cookie is expected.
				return nil, errRequestCookies
			}
			cookie = body
		case ExtCookiePlaceholder:
			placeholders++
		case ExtAuthAndEEF:
			a, ok := parseAuthAndEEF(body)
			if !ok {
				return nil, errNoAuthField
			}
			auth = a
			authStart = parsed
		}

		parsed = next
	}

	if cookie == nil || uniqueID == nil || auth == nil {
		return nil, errNoAuthField
	}

	c2s, s2c, err := s.ring.OpenCookie(cookie)
	if err != nil {
		if s.log != nil {
			s.log.Debug("cookie rejected", zap.Error(err))
		}
		return nil, err
	}

	if _, err := sivDecrypt(c2s, auth.nonce, packet[:authStart], auth.ciphertext); err != nil {
		if s.log != nil {
			s.log.Debug("request authentication failed", zap.Error(err))
		}
		return nil, ErrAuthFailed
	}

	return &RequestInfo{
		C2S:        c2s,
		S2C:        s2c,
		UniqueID:   uniqueID,
		NumCookies: 1 + placeholders,
	}, nil
}

// GenerateResponseAuth appends the NTS extension fields to a server
// response: the request's unique identifier echoed verbatim, one
// fresh cookie per cookie or placeholder in the request, and the
// authenticator under the S2C key covering all of it.
func (s *Server) GenerateResponseAuth(response []byte, info *RequestInfo) ([]byte, error) {
	response, err := AddField(response, ExtUniqueIdentifier, info.UniqueID)
	if err != nil {
		return nil, err
	}

	for i := 0; i < info.NumCookies; i++ {
		cookie, err := s.ring.SealCookie(info.C2S, info.S2C)
		if err != nil {
			return nil, err
		}
		response, err = AddField(response, ExtCookie, cookie)
		if err != nil {
			return nil, err
		}
	}

	var nonce [nonceLength]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	ciphertext, err := sivEncrypt(info.S2C, nonce[:], response, nil)
	if err != nil {
		return nil, err
	}

	return AddField(response, ExtAuthAndEEF, encodeAuthAndEEF(nonce[:], ciphertext))
}
