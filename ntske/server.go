package ntske

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// DefaultPort is the IANA-assigned NTS-KE port.
const DefaultPort = 4460

// maxServerInstances bounds concurrently served key exchanges.
// Connections beyond it are accepted and immediately closed.
const maxServerInstances = 10

var defaultBindAddrs = []string{"0.0.0.0", "::"}

// ServerConfig carries what the KE server needs from the daemon
// configuration.
type ServerConfig struct {
	// CertFile and KeyFile hold the server's PEM certificate chain
	// and private key. TLSConfig, when set, is used instead.
	CertFile string
	KeyFile  string

	TLSConfig *tls.Config

	// Port is the NTS-KE listening port; DefaultPort when zero.
	Port uint16

	// NTPPort is advertised to clients when it differs from 123.
	NTPPort uint16

	// Addrs are the bind addresses; the IPv4 and IPv6 wildcards
	// when empty.
	Addrs []string

	// AccessFilter decides whether a client address may connect.
	// Nil allows everyone.
	AccessFilter func(netip.Addr) bool
}

// Server accepts NTS-KE connections, runs the request/response
// exchange on each and issues cookies sealed with its key ring.
type Server struct {
	tlsConfig    *tls.Config
	ring         *KeyRing
	port         uint16
	addrs        []string
	ntpPort      uint16
	accessFilter func(netip.Addr) bool
	log          *zap.Logger

	listeners []net.Listener

	mu        sync.Mutex
	instances [maxServerInstances]*Instance

	wg sync.WaitGroup
}

// NewServer creates a KE server. The key ring is shared with the NTS
// NTP server path so the cookies it issues can be opened there.
func NewServer(config ServerConfig, ring *KeyRing, log *zap.Logger) (*Server, error) {
	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("server credentials: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	tlsConfig.NextProtos = []string{alpnName}
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	port := config.Port
	if port == 0 {
		port = DefaultPort
	}
	addrs := config.Addrs
	if len(addrs) == 0 {
		addrs = defaultBindAddrs
	}

	return &Server{
		tlsConfig:    tlsConfig,
		ring:         ring,
		port:         port,
		addrs:        addrs,
		ntpPort:      config.NTPPort,
		accessFilter: config.AccessFilter,
		log:          log,
	}, nil
}

// Listen binds the configured addresses. Binding is best effort
// across address families: the server runs as long as at least one
// bind succeeded, as a host without IPv6 still serves IPv4.
func (s *Server) Listen() error {
	lc := net.ListenConfig{Control: listenControl}
	for _, addr := range s.addrs {
		l, err := lc.Listen(context.Background(), "tcp",
			net.JoinHostPort(addr, strconv.Itoa(int(s.port))))
		if err != nil {
			s.log.Warn("NTS-KE bind failed", zap.String("addr", addr), zap.Error(err))
			continue
		}
		s.listeners = append(s.listeners, l)
	}

	if len(s.listeners) == 0 {
		return errors.New("could not bind any NTS-KE address")
	}
	return nil
}

// Addr returns the address of the first bound listener.
func (s *Server) Addr() net.Addr {
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// Serve accepts connections on all bound listeners until the context
// is cancelled.
func (s *Server) Serve(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		for _, l := range s.listeners {
			_ = l.Close()
		}
	}()

	var wg sync.WaitGroup
	for _, l := range s.listeners {
		wg.Add(1)
		go func(l net.Listener) {
			defer wg.Done()
			s.acceptLoop(l)
		}(l)
	}
	wg.Wait()
	s.wg.Wait()
}

func (s *Server) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("accept failed", zap.Error(err))
				continue
			}
			return
		}
		s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	remote := conn.RemoteAddr()

	if s.accessFilter != nil {
		addr, ok := remoteIP(remote)
		if !ok || !s.accessFilter(addr) {
			s.log.Debug("rejected connection",
				zap.Any("remote", remote), zap.String("reason", "access denied"))
			_ = conn.Close()
			return
		}
	}

	s.mu.Lock()
	inst := s.findSlotLocked()
	if inst != nil {
		inst.acceptServer(conn, s.tlsConfig, s.respond)
	}
	s.mu.Unlock()

	if inst == nil {
		s.log.Debug("rejected connection",
			zap.Any("remote", remote), zap.String("reason", "too many connections"))
		_ = conn.Close()
		return
	}

	s.log.Debug("accepted connection", zap.Any("remote", remote))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := inst.run(); err != nil {
			s.log.Debug("key exchange failed",
				zap.Any("remote", remote), zap.Error(err))
		}
	}()
}

// findSlotLocked allocates a connection slot: the first empty one,
// else the first whose exchange has finished. Nil means the pool is
// full. Caller holds the pool lock so an accept on the other address
// family cannot grab the same slot.
func (s *Server) findSlotLocked() *Instance {
	for i := range s.instances {
		if s.instances[i] == nil {
			s.instances[i] = NewInstance(s.log)
			return s.instances[i]
		}
	}
	for i := range s.instances {
		if s.instances[i].State() == StateClosed {
			return s.instances[i]
		}
	}
	return nil
}

// respond turns a complete request in the instance's buffer into a
// response: negotiation per the offered records, the exporter keys of
// this TLS session, and a batch of fresh cookies.
func (s *Server) respond(inst *Instance) error {
	nextProto, aead, keError := processRequest(&inst.msg)

	if keError == keErrorNone && (nextProto == nextProtocolNone || aead == aeadNone) {
		keError = int(ErrorBadRequest)
	}

	var c2s, s2c Key
	if keError == keErrorNone {
		var err error
		c2s, s2c, err = ExportKeys(inst.connState)
		if err != nil {
			return fmt.Errorf("key export: %w", err)
		}
	}

	s.log.Debug("NTS-KE response",
		zap.Int("error", keError), zap.Int("next", nextProto), zap.Int("aead", aead))

	return prepareResponse(&inst.msg, keError, nextProto, aead, s.ring, c2s, s2c, s.ntpPort)
}

func remoteIP(addr net.Addr) (netip.Addr, bool) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	ip, ok := netip.AddrFromSlice(tcp.IP)
	return ip.Unmap(), ok
}
