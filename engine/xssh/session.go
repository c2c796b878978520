// Package xssh is an engine over golang.org/x/crypto/ssh and github.com/pkg/sftp.
//
// Both libraries block, so every call that can wait on the network runs on a
// background goroutine (see Bridge) and reports engine.ErrWouldBlock until
// it has finished. Completions are announced on the session's
// readiness.Notifier, which Session.Readiness exposes.
package xssh

import (
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/pkg/sshaio/engine"
	"github.com/pkg/sshaio/internal/pragma"
	"github.com/pkg/sshaio/internal/sync"
	"github.com/pkg/sshaio/readiness"
)

// Session is an engine.Session over x/crypto/ssh.
type Session struct {
	noCopy pragma.DoNotCopy

	cfg    Config
	bridge *Bridge
	dir    atomic.Uint32
	auth   *authQueue

	calls calls

	handshook     chan struct{}
	handshakeOnce sync.Once
	connected     chan struct{}

	mu        sync.Mutex
	transport net.Conn
	started   bool
	hostKey   ssh.PublicKey
	banner    string
	client    *ssh.Client
	connErr   error

	listeners sync.Map[string, net.Listener]
	agents    sync.Map[*agentConn, net.Conn]

	closeOnce sync.Once
}

var _ engine.Session = (*Session)(nil)

// New returns an engine session for cfg.
func New(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:       cfg,
		auth:      newAuthQueue(),
		handshook: make(chan struct{}),
		connected: make(chan struct{}),
	}
	s.bridge = NewBridge(readiness.NewNotifier(), s.setBlocked, cfg.MaxOperations, cfg.ReadBufferSize)
	return s, nil
}

func (s *Session) setBlocked(dir engine.Direction) { s.dir.Store(uint32(dir)) }

// BlockDirections reports the direction of the last call that would block.
func (s *Session) BlockDirections() engine.Direction {
	return engine.Direction(s.dir.Load())
}

// Readiness returns the source that announces progress of this session's calls.
func (s *Session) Readiness() readiness.Source { return s.bridge.Readiness() }

// SetTransport sets the connection the handshake runs over.
func (s *Session) SetTransport(conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport != nil {
		return engine.Errorf(engine.CodeInvalidState, "set transport", "transport already set")
	}
	s.transport = conn
	return nil
}

// Handshake starts the connection and completes once the server's host key
// has been accepted. The client then waits for authentication attempts.
func (s *Session) Handshake() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport == nil {
		return engine.Errorf(engine.CodeInvalidState, "handshake", "no transport")
	}
	if !s.started {
		s.started = true
		go s.run()
		s.setBlocked(engine.Read)
		return engine.ErrWouldBlock
	}

	select {
	case <-s.handshook:
		return nil
	default:
	}
	select {
	case <-s.connected:
		return sessionError("handshake", s.connErr)
	default:
	}

	s.setBlocked(engine.Read)
	return engine.ErrWouldBlock
}

func (s *Session) run() {
	cfg := &ssh.ClientConfig{
		User:              s.cfg.User,
		Auth:              s.auth.methods(),
		HostKeyCallback:   s.checkHostKey,
		BannerCallback:    s.setBanner,
		ClientVersion:     s.cfg.ClientVersion,
		HostKeyAlgorithms: s.cfg.HostKeyAlgorithms,
	}

	if s.cfg.Timeout > 0 {
		_ = s.transport.SetDeadline(time.Now().Add(s.cfg.Timeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(s.transport, s.transport.RemoteAddr().String(), cfg)

	s.mu.Lock()
	if err == nil {
		s.client = ssh.NewClient(c, chans, reqs)
	} else {
		s.connErr = err
	}
	close(s.connected)
	s.mu.Unlock()

	s.auth.finish(err)
	s.bridge.notifier.Notify(engine.ReadWrite)
}

func (s *Session) checkHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if err := s.cfg.HostKeyCallback(hostname, remote, key); err != nil {
		return err
	}

	s.handshakeOnce.Do(func() {
		if s.cfg.Timeout > 0 {
			_ = s.transport.SetDeadline(time.Time{})
		}

		s.mu.Lock()
		s.hostKey = key
		s.mu.Unlock()

		close(s.handshook)
		s.bridge.notifier.Notify(engine.Read)
	})
	return nil
}

func (s *Session) setBanner(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.banner = message
	return nil
}

// HostKey returns the accepted host key.
func (s *Session) HostKey() ssh.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostKey
}

// Banner returns the last authentication banner.
func (s *Session) Banner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banner
}

func (s *Session) checkAuth(op, user string) error {
	select {
	case <-s.handshook:
	default:
		return engine.Errorf(engine.CodeInvalidState, op, "handshake not complete")
	}
	if user != s.cfg.User {
		return engine.Errorf(engine.CodeInvalidState, op, "user %q differs from the configured user %q", user, s.cfg.User)
	}
	return nil
}

// AuthMethods is not supported: x/crypto/ssh consumes the server's method
// list internally.
func (s *Session) AuthMethods(user string) ([]string, error) {
	return nil, engine.Errorf(engine.CodeMethodNotSupported, "auth methods", "the server's method list is not exposed")
}

// AuthPassword authenticates with a password.
func (s *Session) AuthPassword(user, password string) error {
	const op = "auth password"
	if err := s.checkAuth(op, user); err != nil {
		return err
	}
	_, err := poll(s.bridge, &s.calls, op, key(op, user, password), engine.Read, func() (struct{}, error) {
		a := newAttempt(op, "password")
		a.password = password
		return struct{}{}, s.auth.submit(a)
	})
	return err
}

// AuthPublicKey authenticates with signer.
func (s *Session) AuthPublicKey(user string, signer ssh.Signer) error {
	const op = "auth public key"
	if err := s.checkAuth(op, user); err != nil {
		return err
	}
	_, err := poll(s.bridge, &s.calls, op, key(op, user, signer.PublicKey().Marshal()), engine.Read, func() (struct{}, error) {
		a := newAttempt(op, "publickey")
		a.signers = []ssh.Signer{signer}
		return struct{}{}, s.auth.submit(a)
	})
	return err
}

// AuthAgent authenticates with every identity held by the SSH agent.
func (s *Session) AuthAgent(user string) error {
	const op = "auth agent"
	if err := s.checkAuth(op, user); err != nil {
		return err
	}
	_, err := poll(s.bridge, &s.calls, op, key(op, user), engine.Read, func() (struct{}, error) {
		sock, err := s.cfg.agentSocket()
		if err != nil {
			return struct{}{}, engine.WrapError(engine.CodeAgent, op, err)
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return struct{}{}, engine.WrapError(engine.CodeAgent, op, err)
		}
		defer conn.Close()

		signers, err := agent.NewClient(conn).Signers()
		if err != nil {
			return struct{}{}, engine.WrapError(engine.CodeAgent, op, err)
		}
		if len(signers) == 0 {
			return struct{}{}, engine.Errorf(engine.CodeAgent, op, "agent holds no identities")
		}

		a := newAttempt(op, "publickey")
		a.signers = signers
		return struct{}{}, s.auth.submit(a)
	})
	return err
}

// Authenticated reports whether the connection has been established.
func (s *Session) Authenticated() bool {
	_, err := s.sshClient("authenticated")
	return err == nil
}

func (s *Session) sshClient(op string) (*ssh.Client, error) {
	select {
	case <-s.connected:
	default:
		return nil, engine.Errorf(engine.CodeInvalidState, op, "not authenticated")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil, sessionError(op, s.connErr)
	}
	return s.client, nil
}

// Agent returns a handle on the SSH agent.
func (s *Session) Agent() (engine.Agent, error) {
	select {
	case <-s.handshook:
	default:
		return nil, engine.Errorf(engine.CodeInvalidState, "agent", "handshake not complete")
	}
	return &agentConn{s: s}, nil
}

// OpenChannel opens a channel. x/crypto/ssh chooses its own window and
// packet sizes, so windowSize and packetSize are ignored.
func (s *Session) OpenChannel(kind string, windowSize, packetSize uint32, extra []byte) (engine.Channel, error) {
	const op = "open channel"
	client, err := s.sshClient(op)
	if err != nil {
		return nil, err
	}
	return poll(s.bridge, &s.calls, op, key(op, kind, extra), engine.Read, func() (engine.Channel, error) {
		ch, reqs, err := client.OpenChannel(kind, extra)
		if err != nil {
			return nil, sessionError(op, err)
		}
		return newChannel(s.bridge, ch, reqs), nil
	})
}

// OpenSession opens a "session" channel.
func (s *Session) OpenSession() (engine.Channel, error) {
	return s.OpenChannel("session", 0, 0, nil)
}

// RFC 4254 7.2
type channelOpenDirectMsg struct {
	Host    string
	Port    uint32
	SrcHost string
	SrcPort uint32
}

// OpenDirectTCPIP opens a "direct-tcpip" channel to host:port.
func (s *Session) OpenDirectTCPIP(host string, port int, srcHost string, srcPort int) (engine.Channel, error) {
	payload := ssh.Marshal(&channelOpenDirectMsg{
		Host:    host,
		Port:    uint32(port),
		SrcHost: srcHost,
		SrcPort: uint32(srcPort),
	})
	return s.OpenChannel("direct-tcpip", 0, 0, payload)
}

// ForwardListen asks the server to listen on host:port. An empty host
// listens on the server's loopback interface.
func (s *Session) ForwardListen(host string, port int) (engine.Listener, int, error) {
	const op = "forward listen"
	client, err := s.sshClient(op)
	if err != nil {
		return nil, 0, err
	}
	if host == "" {
		host = "localhost"
	}

	type bound struct {
		l    *listener
		port int
	}
	b, err := poll(s.bridge, &s.calls, op, key(op, host, port), engine.Read, func() (bound, error) {
		ln, err := client.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return bound{}, engine.WrapError(engine.CodeRequestDenied, op, err)
		}

		addr := ln.Addr().String()
		if _, loaded := s.listeners.LoadOrStore(addr, ln); loaded {
			ln.Close()
			return bound{}, engine.Errorf(engine.CodeRequestDenied, op, "%s is already forwarded", addr)
		}

		bp := port
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			bp = tcp.Port
		}
		return bound{l: newListener(s, addr, ln), port: bp}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return b.l, b.port, nil
}

// OpenSFTP starts the SFTP subsystem.
func (s *Session) OpenSFTP() (engine.SFTP, error) {
	const op = "open sftp"
	client, err := s.sshClient(op)
	if err != nil {
		return nil, err
	}
	return poll(s.bridge, &s.calls, op, op, engine.Read, func() (engine.SFTP, error) {
		c, err := sftp.NewClient(client, s.cfg.SFTPOptions...)
		if err != nil {
			return nil, sftpError(op, err)
		}
		return s.bridge.SFTP(c), nil
	})
}

// KeepaliveSend sends a keepalive@openssh.com global request. A refusal
// still shows the connection is alive, so only transport failures are errors.
func (s *Session) KeepaliveSend() error {
	const op = "keepalive"
	client, err := s.sshClient(op)
	if err != nil {
		return err
	}
	_, err = poll(s.bridge, &s.calls, op, op, engine.Read, func() (struct{}, error) {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		return struct{}{}, sessionError(op, err)
	})
	return err
}

// Disconnect closes the connection. x/crypto/ssh sends no disconnect
// message, so description is not transmitted.
func (s *Session) Disconnect(description string) error {
	const op = "disconnect"
	client, err := s.sshClient(op)
	if err != nil {
		return err
	}
	_, err = poll(s.bridge, &s.calls, op, op, engine.Write, func() (struct{}, error) {
		if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return struct{}{}, sessionError(op, err)
		}
		return struct{}{}, nil
	})
	return err
}

// Close tears the connection down and waits for background calls to return.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.auth.close()

		for a, conn := range s.agents.Range {
			conn.Close()
			s.agents.Delete(a)
		}

		s.mu.Lock()
		client, transport := s.client, s.transport
		s.mu.Unlock()

		if client != nil {
			client.Close()
		}
		for addr, ln := range s.listeners.Range {
			ln.Close()
			s.listeners.Delete(addr)
		}
		if transport != nil {
			transport.Close()
		}

		s.bridge.notifier.Close()
		err = s.bridge.Close()
	})
	return err
}
