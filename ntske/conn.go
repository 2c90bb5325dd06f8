package ntske

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const alpnName = "ntske/1"

// A key exchange that has not finished within the timeout is torn
// down. One deadline is armed when the instance comes to life and
// bounds the whole connect/handshake/exchange/shutdown sequence.
const (
	serverTimeout = 2 * time.Second
	clientTimeout = 2 * time.Second
)

// Mode says which side of the key exchange an instance plays.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeServer
	ModeClient
)

// State is the connection lifecycle state.
type State int

const (
	StateWaitConnect State = iota
	StateHandshake
	StateSend
	StateReceive
	StateShutdown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateWaitConnect:
		return "wait-connect"
	case StateHandshake:
		return "handshake"
	case StateSend:
		return "send"
	case StateReceive:
		return "receive"
	case StateShutdown:
		return "shutdown"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

var (
	errALPNMismatch   = errors.New("peer not speaking " + alpnName)
	errMessageTooLong = errors.New("message exceeds maximum length")
	errNotConnected   = errors.New("instance is not connected")
)

// Instance is one NTS-KE connection: a TLS session, a message buffer
// and an explicit lifecycle state. NewInstance creates it Closed; a
// server instance is revived by accept, a client instance by open.
type Instance struct {
	mode Mode

	mu    sync.Mutex
	state State

	conn       *tls.Conn
	connState  tls.ConnectionState
	msg        Message
	remoteAddr net.Addr
	deadline   time.Time
	log        *zap.Logger

	// Client side: dial target, carried until WaitConnect runs.
	dialAddr  string
	tlsConfig *tls.Config

	// Server side: builds the response into msg once a complete
	// request has been received.
	respond func(inst *Instance) error
}

// NewInstance creates a closed instance.
func NewInstance(log *zap.Logger) *Instance {
	return &Instance{state: StateClosed, log: log}
}

// State returns the current lifecycle state.
func (inst *Instance) State() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

func (inst *Instance) setState(s State) {
	inst.mu.Lock()
	inst.state = s
	inst.mu.Unlock()
}

// openClient arms a closed instance for a client exchange with addr.
// The TLS config is cloned and pinned to the NTS-KE ALPN; the given
// server name is used when the config does not already name one.
func (inst *Instance) openClient(addr, serverName string, config *tls.Config) error {
	if inst.State() != StateClosed {
		return errors.New("instance already in use")
	}

	if config == nil {
		config = &tls.Config{}
	}
	cfg := config.Clone()
	cfg.NextProtos = []string{alpnName}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS13
	}

	inst.mode = ModeClient
	inst.dialAddr = addr
	inst.tlsConfig = cfg
	inst.deadline = time.Now().Add(clientTimeout)
	inst.msg.Reset()
	inst.setState(StateWaitConnect)

	return nil
}

// acceptServer arms a closed instance with an accepted connection.
// The socket is already connected, so the instance starts in the
// Handshake state.
func (inst *Instance) acceptServer(conn net.Conn, config *tls.Config, respond func(*Instance) error) {
	inst.mode = ModeServer
	inst.respond = respond
	inst.remoteAddr = conn.RemoteAddr()
	inst.deadline = time.Now().Add(serverTimeout)
	_ = conn.SetDeadline(inst.deadline)
	inst.conn = tls.Server(conn, config)
	inst.msg.Reset()
	inst.setState(StateHandshake)
}

// run drives the state machine to completion. Any I/O or protocol
// error closes the connection and is returned.
func (inst *Instance) run() error {
	return inst.runUntil(StateClosed)
}

// runUntil drives the state machine until it reaches the stop state
// or closes.
func (inst *Instance) runUntil(stop State) error {
	for inst.State() != StateClosed && inst.State() != stop {
		done, err := inst.step()
		if err != nil {
			inst.close()
			return err
		}
		if !done {
			continue
		}
		if err := inst.advance(); err != nil {
			inst.close()
			return err
		}
	}
	return nil
}

// step performs the I/O action of the current state. It reports
// whether the state's work is complete; incomplete states are
// re-entered (a partial send, a partially received message).
func (inst *Instance) step() (bool, error) {
	switch inst.State() {
	case StateWaitConnect:
		d := net.Dialer{Deadline: inst.deadline}
		conn, err := d.Dial("tcp", inst.dialAddr)
		if err != nil {
			return false, fmt.Errorf("connect: %w", err)
		}
		_ = conn.SetDeadline(inst.deadline)
		inst.remoteAddr = conn.RemoteAddr()
		inst.conn = tls.Client(conn, inst.tlsConfig)
		return true, nil

	case StateHandshake:
		if err := inst.conn.Handshake(); err != nil {
			return false, fmt.Errorf("TLS handshake: %w", err)
		}
		inst.connState = inst.conn.ConnectionState()
		return true, nil

	case StateSend:
		n, err := inst.conn.Write(inst.msg.unsent())
		inst.msg.sent += n
		if err != nil {
			return false, fmt.Errorf("record send: %w", err)
		}
		return inst.msg.sent == inst.msg.length, nil

	case StateReceive:
		if !inst.msg.eof {
			space := inst.msg.space()
			if len(space) == 0 {
				return false, errMessageTooLong
			}
			n, err := inst.conn.Read(space)
			inst.msg.length += n
			if err != nil {
				if !errors.Is(err, io.EOF) {
					return false, fmt.Errorf("record receive: %w", err)
				}
				inst.msg.eof = true
			}
		}
		switch inst.msg.CheckFormat() {
		case FormatIncomplete:
			return false, nil
		case FormatOK:
			return true, nil
		default:
			return false, errors.New("malformed NTS-KE message")
		}

	case StateShutdown:
		if err := inst.conn.CloseWrite(); err != nil {
			return false, fmt.Errorf("TLS shutdown: %w", err)
		}
		// Wait for the peer's close_notify so the connection does
		// not reset with the response still in flight. The deadline
		// bounds the wait.
		var buf [64]byte
		for {
			if _, err := inst.conn.Read(buf[:]); err != nil {
				break
			}
		}
		return true, nil
	}

	return false, errNotConnected
}

// advance moves to the next state once the current one completed,
// mirroring the lifecycle: a client connects, handshakes, sends its
// request and receives the response; a server handshakes, receives
// the request and sends its response; both shut down cleanly.
func (inst *Instance) advance() error {
	switch inst.mode {
	case ModeServer:
		switch inst.State() {
		case StateHandshake:
			if err := inst.checkALPN(); err != nil {
				return err
			}
			inst.setState(StateReceive)
		case StateReceive:
			if err := inst.respond(inst); err != nil {
				return err
			}
			inst.setState(StateSend)
		case StateSend:
			inst.setState(StateShutdown)
		case StateShutdown:
			inst.close()
		}

	case ModeClient:
		switch inst.State() {
		case StateWaitConnect:
			inst.setState(StateHandshake)
		case StateHandshake:
			if err := inst.checkALPN(); err != nil {
				return err
			}
			if err := prepareRequest(&inst.msg); err != nil {
				return err
			}
			inst.setState(StateSend)
		case StateSend:
			inst.msg.Reset()
			inst.setState(StateReceive)
		case StateReceive:
			inst.setState(StateShutdown)
		case StateShutdown:
			inst.close()
		}

	default:
		return errNotConnected
	}

	if inst.log != nil {
		inst.log.Debug("key exchange state",
			zap.Stringer("state", inst.State()),
			zap.Any("remote", inst.remoteAddr))
	}

	return nil
}

func (inst *Instance) checkALPN() error {
	if inst.connState.NegotiatedProtocol != alpnName {
		return errALPNMismatch
	}
	return nil
}

// close tears the connection down. The received message and TLS
// connection state survive until the instance is reused, so a client
// can still read its results.
func (inst *Instance) close() {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.state == StateClosed {
		return
	}
	if inst.conn != nil {
		_ = inst.conn.Close()
	}
	inst.state = StateClosed
}
