package ntske

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
)

// A cookie seals the session keys under a server master key so the
// server keeps no per-client state. Wire format, all offsets fixed:
//
//	key ID     uint32, big endian
//	nonce      16 bytes
//	ciphertext 80 bytes (C2S || S2C sealed with AES-SIV, 16-byte tag)
//
// Clients treat the whole thing as an opaque byte string.
const (
	cookieNonceLength     = 16
	cookiePlaintextLength = 2 * KeyLength
	sivTagLength          = 16

	// CookieLength is the canonical length of a cookie issued here.
	CookieLength = 4 + cookieNonceLength + cookiePlaintextLength + sivTagLength

	// MaxCookieLength bounds cookies accepted from a KE response.
	MaxCookieLength = 256
)

var (
	errCookieLength  = errors.New("unexpected cookie length")
	errCookieKeySize = errors.New("unexpected session key length")
)

// SealCookie encrypts the (C2S, S2C) pair under the current server
// key and returns the encoded cookie.
func (r *KeyRing) SealCookie(c2s, s2c Key) ([]byte, error) {
	if len(c2s) != KeyLength || len(s2c) != KeyLength {
		return nil, errCookieKeySize
	}

	key := r.currentKey()

	cookie := make([]byte, 4+cookieNonceLength, CookieLength)
	binary.BigEndian.PutUint32(cookie, key.id)

	nonce := cookie[4 : 4+cookieNonceLength]
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	var plaintext [cookiePlaintextLength]byte
	copy(plaintext[:KeyLength], c2s)
	copy(plaintext[KeyLength:], s2c)

	cookie = key.aead.Seal(cookie, nonce, plaintext[:], nil)

	return cookie, nil
}

// OpenCookie decrypts a cookie back into the (C2S, S2C) pair. It
// fails when the cookie has a non-canonical length, names a key no
// longer in the ring, or the authentication tag does not verify.
func (r *KeyRing) OpenCookie(cookie []byte) (c2s, s2c Key, err error) {
	if len(cookie) != CookieLength {
		return nil, nil, errCookieLength
	}

	key, err := r.lookup(binary.BigEndian.Uint32(cookie))
	if err != nil {
		return nil, nil, err
	}

	nonce := cookie[4 : 4+cookieNonceLength]
	ciphertext := cookie[4+cookieNonceLength:]

	plaintext, err := key.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, nil, err
	}

	return plaintext[:KeyLength], plaintext[KeyLength:], nil
}
