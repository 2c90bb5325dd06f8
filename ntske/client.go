package ntske

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// KeyExchange is a client-side NTS Key Exchange connection.
type KeyExchange struct {
	inst *Instance
	Meta Data
}

var errNoPort = errors.New("no NTP port negotiated")

// Connect dials hostport and completes the TLS handshake, verifying
// the ntske/1 ALPN. The NTP server defaults to the same host as the
// NTS-KE server on the default port until the response overrides
// either.
func Connect(hostport string, config *tls.Config, log *zap.Logger) (*KeyExchange, error) {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		hostport = net.JoinHostPort(host, fmt.Sprint(DefaultPort))
	}

	ke := &KeyExchange{inst: NewInstance(log)}
	ke.Meta.Server = host
	ke.Meta.Port = NTPPort

	if err := ke.inst.openClient(hostport, host, config); err != nil {
		return nil, err
	}
	if err := ke.inst.runUntil(StateSend); err != nil {
		return nil, err
	}

	return ke, nil
}

// Exchange sends the request, receives and validates the response,
// closes the connection and fills in the negotiated Meta data.
func (ke *KeyExchange) Exchange() error {
	if err := ke.inst.runUntil(StateClosed); err != nil {
		return err
	}
	return processResponse(&ke.inst.msg, &ke.Meta)
}

// ExportKeys derives the C2S and S2C keys from the TLS session into
// Meta. It can be called any time after Connect succeeded.
func (ke *KeyExchange) ExportKeys() error {
	c2s, s2c, err := ExportKeys(ke.inst.connState)
	if err != nil {
		return err
	}
	ke.Meta.C2sKey = c2s
	ke.Meta.S2cKey = s2c
	return nil
}

// NtpAddress returns the NTP server address negotiated by the
// exchange, falling back to the NTS-KE host.
func (ke *KeyExchange) NtpAddress() (host string, port uint16, err error) {
	if ke.Meta.Port == 0 {
		return "", 0, errNoPort
	}
	return ke.Meta.Server, ke.Meta.Port, nil
}

// Close tears the connection down early, for callers abandoning the
// exchange.
func (ke *KeyExchange) Close() {
	ke.inst.close()
}
