package nts

import (
	siv "github.com/secure-io/siv-go"
)

// sivTagLength is the AES-SIV authenticator length; a sealed message
// is the plaintext plus this tag.
const sivTagLength = 16

// sivEncrypt seals plaintext with AEAD_AES_SIV_CMAC_256. The 32-byte
// key is the two 128-bit AES halves SIV is keyed with. An empty
// plaintext yields a pure authenticator over the associated data.
func sivEncrypt(key, nonce, additionalData, plaintext []byte) ([]byte, error) {
	aead, err := siv.NewCMAC(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// sivDecrypt opens an AES-SIV ciphertext, verifying the tag over the
// associated data. It returns the plaintext, or an error on tag
// failure.
func sivDecrypt(key, nonce, additionalData, ciphertext []byte) ([]byte, error) {
	aead, err := siv.NewCMAC(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, additionalData)
}
