package nts

import (
	"bytes"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ddrown/chrony-nts/ntske"
)

// MaxCookies is the size of the client cookie ring: one cookie is
// spent per request and the server replaces it, so the ring holds
// enough to ride out a few lost responses.
const MaxCookies = ntske.MaxCookies

const (
	uniqueIDLength = 32
	nonceLength    = 16

	defaultTimeout = 5 * time.Second
)

var (
	ErrNoCookies        = errors.New("no NTS cookies available")
	ErrAuthFailed       = errors.New("NTS authentication failed")
	ErrUniqueIDMismatch = errors.New("unique identifier mismatch")
	errNotPrepared      = errors.New("client not prepared for authentication")
	errBadResponse      = errors.New("invalid NTS response packet")
)

// Client authenticates NTP exchanges with one server. It keeps the
// cookie ring and AEAD keys obtained from NTS-KE and stamps outgoing
// requests with the NTS extension fields.
type Client struct {
	keAddr    string
	tlsConfig *tls.Config
	log       *zap.Logger

	ntpHost string
	ntpPort uint16

	cookies     [MaxCookies][]byte
	numCookies  int
	cookieIndex int

	c2sKey ntske.Key
	s2cKey ntske.Key

	uniqueID [uniqueIDLength]byte
	nonce    [nonceLength]byte
}

// NewClient creates a client that will establish keys with the NTS-KE
// server at keAddr ("host" or "host:port").
func NewClient(keAddr string, config *tls.Config, log *zap.Logger) *Client {
	return &Client{
		keAddr:    keAddr,
		tlsConfig: config,
		log:       log,
	}
}

// PrepareForAuth makes the client ready to authenticate one request.
// When the cookie ring is empty it first runs a key exchange to
// refill it and re-key the AEAD contexts. A fresh unique identifier
// and nonce are drawn either way. It fails when no cookie is
// available afterwards; the caller skips the request and retries by
// calling PrepareForAuth again.
func (c *Client) PrepareForAuth() error {
	if c.numCookies == 0 {
		if err := c.runKeyExchange(); err != nil {
			return err
		}
	}
	if c.numCookies == 0 {
		return ErrNoCookies
	}

	if _, err := rand.Read(c.uniqueID[:]); err != nil {
		return err
	}
	if _, err := rand.Read(c.nonce[:]); err != nil {
		return err
	}

	return nil
}

func (c *Client) runKeyExchange() error {
	ke, err := ntske.Connect(c.keAddr, c.tlsConfig, c.log)
	if err != nil {
		return err
	}
	if err := ke.Exchange(); err != nil {
		return err
	}
	if err := ke.ExportKeys(); err != nil {
		return err
	}

	c.c2sKey = ke.Meta.C2sKey
	c.s2cKey = ke.Meta.S2cKey

	c.cookies = [MaxCookies][]byte{}
	c.numCookies = 0
	c.cookieIndex = 0
	for _, cookie := range ke.Meta.Cookie {
		c.storeCookie(cookie)
	}

	host, port, err := ke.NtpAddress()
	if err != nil {
		return err
	}
	c.ntpHost = host
	c.ntpPort = port

	if c.log != nil {
		c.log.Debug("key exchange complete",
			zap.Int("cookies", c.numCookies),
			zap.String("ntp_host", host),
			zap.Uint16("ntp_port", port))
	}

	return nil
}

// storeCookie appends a cookie to the ring, dropping it when the ring
// is full. Cookies are consumed oldest first.
func (c *Client) storeCookie(cookie []byte) {
	if c.numCookies >= MaxCookies {
		return
	}
	stored := make([]byte, len(cookie))
	copy(stored, cookie)
	c.cookies[(c.cookieIndex+c.numCookies)%MaxCookies] = stored
	c.numCookies++
}

// NtpAddress returns the NTP server negotiated by the last key
// exchange.
func (c *Client) NtpAddress() (host string, port uint16) {
	return c.ntpHost, c.ntpPort
}

// GenerateRequestAuth appends the NTS extension fields to a client
// request packet: the unique identifier, one cookie, enough
// placeholders to get the ring refilled to capacity, and the
// authenticator over everything before it. One cookie is consumed.
func (c *Client) GenerateRequestAuth(packet []byte) ([]byte, error) {
	if c.numCookies <= 0 || c.c2sKey == nil {
		return nil, errNotPrepared
	}

	packet, err := AddField(packet, ExtUniqueIdentifier, c.uniqueID[:])
	if err != nil {
		return nil, err
	}

	cookie := c.cookies[c.cookieIndex]
	packet, err = AddField(packet, ExtCookie, cookie)
	if err != nil {
		return nil, err
	}

	placeholder := make([]byte, len(cookie))
	for i := 0; i < MaxCookies-c.numCookies; i++ {
		packet, err = AddField(packet, ExtCookiePlaceholder, placeholder)
		if err != nil {
			return nil, err
		}
	}

	ciphertext, err := sivEncrypt(c.c2sKey, c.nonce[:], packet, nil)
	if err != nil {
		return nil, err
	}
	packet, err = AddField(packet, ExtAuthAndEEF, encodeAuthAndEEF(c.nonce[:], ciphertext))
	if err != nil {
		return nil, err
	}

	c.cookies[c.cookieIndex] = nil
	c.numCookies--
	c.cookieIndex = (c.cookieIndex + 1) % MaxCookies

	return packet, nil
}

// CheckResponseAuth validates a server response: it must be an NTPv4
// server-mode packet whose unique identifier echoes the request and
// whose authenticator verifies under the S2C key. Cookies from an
// authenticated response refill the ring.
func (c *Client) CheckResponseAuth(packet []byte) error {
	if len(packet) < HeaderLength {
		return errBadResponse
	}
	if packetVersion(packet) != 4 || packetMode(packet) != ModeServer {
		return errBadResponse
	}

	var sawUniqueID, authenticated bool
	var fields int
	var newCookies [][]byte

	parsed := HeaderLength
	for {
		next, typ, body, ok := ParseField(packet, parsed)
		if !ok {
			break
		}
		fields++

		switch typ {
		case ExtUniqueIdentifier:
			if len(body) < uniqueIDLength ||
				!bytes.Equal(body[:uniqueIDLength], c.uniqueID[:]) {
				return ErrUniqueIDMismatch
			}
			sawUniqueID = true
		case ExtAuthAndEEF:
			auth, ok := parseAuthAndEEF(body)
			if !ok {
				return errBadResponse
			}
			if _, err := sivDecrypt(c.s2cKey, auth.nonce, packet[:parsed], auth.ciphertext); err != nil {
				return ErrAuthFailed
			}
			authenticated = true
		case ExtCookie:
			newCookies = append(newCookies, body)
		}

		parsed = next
	}

	if fields == 0 || !sawUniqueID || !authenticated {
		return ErrAuthFailed
	}

	for _, cookie := range newCookies {
		c.storeCookie(cookie)
	}

	return nil
}

// Query performs one authenticated NTP exchange over UDP and returns
// the validated server header. PrepareForAuth must have succeeded
// first.
func (c *Client) Query() (*Header, error) {
	host, port := c.NtpAddress()
	if host == "" {
		return nil, errNotPrepared
	}

	var hdr Header
	hdr.SetVersion(4)
	hdr.SetMode(ModeClient)
	hdr.TransmitTime = ToNTPTime(time.Now())

	packet, err := c.GenerateRequestAuth(hdr.Encode())
	if err != nil {
		return nil, err
	}

	conn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(defaultTimeout))

	if _, err := conn.Write(packet); err != nil {
		return nil, err
	}

	response := make([]byte, MaxPacketLength)
	n, err := conn.Read(response)
	if err != nil {
		return nil, err
	}
	response = response[:n]

	if err := c.CheckResponseAuth(response); err != nil {
		return nil, err
	}

	return DecodeHeader(response)
}
