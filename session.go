package sshaio

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/sshaio/engine"
	"github.com/pkg/sshaio/internal/pragma"
	"github.com/pkg/sshaio/readiness"
)

// State is the lifecycle state of a Session.
type State int32

// Session states, in the order a session moves through them.
const (
	StateUnconnected State = iota
	StateHandshaking
	StateAuthenticating
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// readinessProvider is implemented by engines that know when they can make
// progress better than the socket does.
type readinessProvider interface {
	Readiness() readiness.Source
}

// Session is one SSH connection driven through an engine.
type Session struct {
	noCopy pragma.DoNotCopy

	id      string
	src     readiness.Source
	log     zerolog.Logger
	metrics *Metrics

	c    *conn
	life *lifetime

	mu        sync.Mutex
	state     State
	transport net.Conn
}

// NewSession returns an unconnected Session over eng.
func NewSession(eng engine.Session, opts ...SessionOption) (*Session, error) {
	if eng == nil {
		return nil, errors.New("sshaio: nil engine")
	}

	s := &Session{
		id:  uuid.NewString(),
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.log = s.log.With().Str("session", s.id).Logger()
	s.c = newConn(eng, s.log, s.metrics)
	s.life = newLifetime(nil)

	return s, nil
}

// ID returns the identifier attached to this session's log lines.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// enter checks that the session is in one of the given states.
func (s *Session) enter(op string, allowed ...State) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	for _, a := range allowed {
		if state == a {
			return nil
		}
	}
	return &StateError{Op: op, State: state}
}

// transition moves from one state to another, unless the session has
// already moved on, for example by being closed concurrently.
func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != from {
		return false
	}
	s.state = to
	s.log.Debug().Stringer("from", from).Stringer("to", to).Msg("session state")
	return true
}

// Connect performs the SSH handshake over transport, which the Session
// takes ownership of. On success the session is Authenticating.
// Any failure closes the session.
func (s *Session) Connect(ctx context.Context, transport net.Conn) error {
	if transport == nil {
		return errors.New("sshaio: connect: nil transport")
	}
	if !s.transition(StateUnconnected, StateHandshaking) {
		return &StateError{Op: "connect", State: s.State()}
	}

	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	if err := s.connect(ctx, transport); err != nil {
		s.Close()
		return err
	}

	if !s.transition(StateHandshaking, StateAuthenticating) {
		return &StateError{Op: "connect", State: s.State()}
	}
	return nil
}

func (s *Session) connect(ctx context.Context, transport net.Conn) error {
	if err := s.c.eng.SetTransport(transport); err != nil {
		return err
	}

	src := s.src
	if src == nil {
		if p, ok := s.c.eng.(readinessProvider); ok {
			src = p.Readiness()
		}
	}
	if src == nil {
		var err error
		if src, err = readiness.NewSocket(transport); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.c.src = src
	s.mu.Unlock()

	return exec(ctx, s.c, s.life, "handshake", s.c.eng.Handshake)
}

// HostKey returns the server's host key once the handshake has completed.
func (s *Session) HostKey() ssh.PublicKey {
	var key ssh.PublicKey
	if s.enter("host key", StateAuthenticating, StateReady) == nil {
		s.c.do(func() { key = s.c.eng.HostKey() })
	}
	return key
}

// HostKeyFingerprint returns the SHA256 fingerprint of the server's host key,
// as printed by ssh-keygen, or "" before the handshake has completed.
func (s *Session) HostKeyFingerprint() string {
	key := s.HostKey()
	if key == nil {
		return ""
	}
	return ssh.FingerprintSHA256(key)
}

// Banner returns the authentication banner sent by the server, if any.
func (s *Session) Banner() string {
	var banner string
	if s.enter("banner", StateAuthenticating, StateReady) == nil {
		s.c.do(func() { banner = s.c.eng.Banner() })
	}
	return banner
}

// AuthMethods returns the authentication methods the server accepts for user.
func (s *Session) AuthMethods(ctx context.Context, user string) ([]string, error) {
	if err := s.enter("auth methods", StateAuthenticating); err != nil {
		return nil, err
	}
	return call(ctx, s.c, s.life, "auth methods", func() ([]string, error) {
		return s.c.eng.AuthMethods(user)
	})
}

// AuthPassword authenticates user with a password. A rejected password
// leaves the session Authenticating, so another attempt can be made.
func (s *Session) AuthPassword(ctx context.Context, user, password string) error {
	return s.auth(ctx, "auth password", func() error {
		return s.c.eng.AuthPassword(user, password)
	})
}

// AuthPublicKey authenticates user with the given signer.
func (s *Session) AuthPublicKey(ctx context.Context, user string, signer ssh.Signer) error {
	if signer == nil {
		return errors.New("sshaio: auth public key: nil signer")
	}
	return s.auth(ctx, "auth public key", func() error {
		return s.c.eng.AuthPublicKey(user, signer)
	})
}

// AuthAgent authenticates user with each identity held by the SSH agent
// until one is accepted.
func (s *Session) AuthAgent(ctx context.Context, user string) error {
	return s.auth(ctx, "auth agent", func() error {
		return s.c.eng.AuthAgent(user)
	})
}

func (s *Session) auth(ctx context.Context, op string, fn func() error) error {
	if err := s.enter(op, StateAuthenticating); err != nil {
		return err
	}
	if err := exec(ctx, s.c, s.life, op, fn); err != nil {
		return err
	}
	s.authenticated()
	return nil
}

func (s *Session) authenticated() {
	s.transition(StateAuthenticating, StateReady)
}

// Authenticated reports whether the engine considers the session authenticated.
func (s *Session) Authenticated() bool {
	if s.enter("authenticated", StateAuthenticating, StateReady) != nil {
		return false
	}
	var ok bool
	s.c.do(func() { ok = s.c.eng.Authenticated() })
	return ok
}

// Agent returns a handle on the local SSH agent, for listing identities and
// authenticating with a specific one.
func (s *Session) Agent(ctx context.Context) (*Agent, error) {
	if err := s.enter("agent", StateAuthenticating, StateReady); err != nil {
		return nil, err
	}
	a, err := call(ctx, s.c, s.life, "agent", s.c.eng.Agent)
	if err != nil {
		return nil, err
	}
	return &Agent{
		s:     s,
		life:  newLifetime(s.life),
		agent: a,
	}, nil
}

// OpenChannel opens a channel of the given kind. Zero window and packet
// sizes select the engine defaults.
func (s *Session) OpenChannel(ctx context.Context, kind string, windowSize, packetSize uint32, extra []byte) (*Channel, error) {
	return s.openChannel(ctx, "open channel", func() (engine.Channel, error) {
		return s.c.eng.OpenChannel(kind, windowSize, packetSize, extra)
	})
}

// OpenSession opens a "session" channel, ready for Exec, Shell or Subsystem.
func (s *Session) OpenSession(ctx context.Context) (*Channel, error) {
	return s.openChannel(ctx, "open session", s.c.eng.OpenSession)
}

// OpenDirectTCPIP asks the server to connect to host:port on the client's
// behalf, reporting srcHost:srcPort as the originator.
func (s *Session) OpenDirectTCPIP(ctx context.Context, host string, port int, srcHost string, srcPort int) (*Channel, error) {
	return s.openChannel(ctx, "open direct-tcpip", func() (engine.Channel, error) {
		return s.c.eng.OpenDirectTCPIP(host, port, srcHost, srcPort)
	})
}

func (s *Session) openChannel(ctx context.Context, op string, fn func() (engine.Channel, error)) (*Channel, error) {
	if err := s.enter(op, StateReady); err != nil {
		return nil, err
	}
	ch, err := call(ctx, s.c, s.life, op, fn)
	if err != nil {
		return nil, err
	}
	return newChannel(s.c, s.life, ch), nil
}

// ForwardListen asks the server to listen on host:port and forward incoming
// connections as channels. Port 0 lets the server choose; see Listener.Port.
func (s *Session) ForwardListen(ctx context.Context, host string, port int) (*Listener, error) {
	if err := s.enter("forward listen", StateReady); err != nil {
		return nil, err
	}

	type bound struct {
		l    engine.Listener
		port int
	}
	b, err := call(ctx, s.c, s.life, "forward listen", func() (bound, error) {
		l, port, err := s.c.eng.ForwardListen(host, port)
		return bound{l, port}, err
	})
	if err != nil {
		return nil, err
	}

	return &Listener{
		c:    s.c,
		life: newLifetime(s.life),
		l:    b.l,
		host: host,
		port: b.port,
	}, nil
}

// SFTP starts the SFTP subsystem on a new channel.
func (s *Session) SFTP(ctx context.Context) (*SFTP, error) {
	if err := s.enter("sftp", StateReady); err != nil {
		return nil, err
	}
	fs, err := call(ctx, s.c, s.life, "sftp", s.c.eng.OpenSFTP)
	if err != nil {
		return nil, err
	}
	return &SFTP{
		c:    s.c,
		life: newLifetime(s.life),
		fs:   fs,
	}, nil
}

// KeepaliveSend sends a keepalive request to the server.
func (s *Session) KeepaliveSend(ctx context.Context) error {
	if err := s.enter("keepalive", StateAuthenticating, StateReady); err != nil {
		return err
	}
	return exec(ctx, s.c, s.life, "keepalive", s.c.eng.KeepaliveSend)
}

// Disconnect sends an SSH disconnect message with the given description
// and then closes the session.
func (s *Session) Disconnect(ctx context.Context, description string) error {
	if err := s.enter("disconnect", StateAuthenticating, StateReady); err != nil {
		return err
	}

	err := execClosing(ctx, s.c, s.life, "disconnect", func() error {
		return s.c.eng.Disconnect(description)
	})
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases the engine session and the transport without notifying
// the server. Every handle derived from the session is invalidated.
// Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.log.Debug().Stringer("from", s.state).Stringer("to", StateClosed).Msg("session state")
	s.state = StateClosed
	transport := s.transport
	src := s.c.src
	s.mu.Unlock()

	s.life.close()

	// wake anything still waiting for readiness; it observes the closed lifetime.
	var err error
	if src != nil {
		err = src.Close()
	}

	s.c.do(func() {
		if cerr := s.c.eng.Close(); err == nil {
			err = cerr
		}
	})

	if transport != nil {
		if cerr := transport.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}

	return err
}
