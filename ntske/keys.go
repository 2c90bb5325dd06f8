package ntske

import "crypto/tls"

// KeyLength is the length of the exported C2S and S2C keys. For
// AEAD_AES_SIV_CMAC_256 the SIV cipher is keyed with a 256-bit key
// made of two 128-bit AES halves.
const KeyLength = 32

// Key is an AEAD key derived from the TLS session.
type Key []byte

const exporterLabel = "EXPORTER-network-time-security/1"

// The per-association exporter context is five octets: two zero octets
// (the NTPv4 Protocol ID), the negotiated AEAD identifier in network
// byte order, and a final octet that is 0x00 for the C2S key and 0x01
// for the S2C key.
var (
	exporterContextC2S = []byte{0x00, 0x00, 0x00, 0x0f, 0x00}
	exporterContextS2C = []byte{0x00, 0x00, 0x00, 0x0f, 0x01}
)

// ExportKeys derives the C2S and S2C keys from an established NTS-KE
// TLS session using the RFC 5705 keying material exporter.
func ExportKeys(state tls.ConnectionState) (c2s, s2c Key, err error) {
	k, err := state.ExportKeyingMaterial(exporterLabel, exporterContextC2S, KeyLength)
	if err != nil {
		return nil, nil, err
	}
	c2s = k

	k, err = state.ExportKeyingMaterial(exporterLabel, exporterContextS2C, KeyLength)
	if err != nil {
		return nil, nil, err
	}
	s2c = k

	return c2s, s2c, nil
}
