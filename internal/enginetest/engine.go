// Package enginetest provides a scripted, in-memory engine.Session.
//
// Any operation can be made to report engine.ErrWouldBlock a given number
// of times, in a given direction, before it completes, or to stall until the
// test releases it. The engine records every call it receives, every retry
// whose arguments differ from the call that started the operation, and every
// call that overlapped another one.
//
// Operations are named "<Interface>.<Method>", for example "Channel.Read".
package enginetest

import (
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/pkg/sshaio/engine"
	"github.com/pkg/sshaio/engine/xssh"
	"github.com/pkg/sshaio/internal/sshtest"
	"github.com/pkg/sshaio/readiness"
)

// Call is one call received by the engine.
type Call struct {
	Op   string
	Args string
}

type script struct {
	times int
	dir   engine.Direction
	stall bool
}

type pending struct {
	op       string
	args     string
	left     int
	dir      engine.Direction
	stall    bool
	released bool
}

// handle is the retry state of one engine object.
type handle struct {
	pending map[string]*pending
}

// Engine is a scripted engine.Session. Create one with New.
type Engine struct {
	src    *readiness.Notifier
	bridge *xssh.Bridge
	dir    atomic.Uint32

	active   atomic.Int32
	overlaps atomic.Int32

	hostKey  ssh.Signer
	banner   string
	handlers sftp.Handlers
	window   int

	mu         sync.Mutex
	h          handle
	scripts    map[string][]script
	stalled    []*pending
	calls      []Call
	violations []string

	passwords  map[string]string
	authorized map[string][]ssh.PublicKey
	agentKeys  []ssh.Signer

	transport   net.Conn
	handshook   bool
	authed      bool
	closed      bool
	disconnect  string
	channels    []*Channel
	listeners   []*Listener
	keepalives  int
	nextPort    int
	sftpClients []*sftp.Client
}

var _ engine.Session = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithPassword accepts password for user.
func WithPassword(user, password string) Option {
	return func(e *Engine) { e.passwords[user] = password }
}

// WithAuthorizedKey accepts key for user.
func WithAuthorizedKey(user string, key ssh.PublicKey) Option {
	return func(e *Engine) { e.authorized[user] = append(e.authorized[user], key) }
}

// WithAgentKey adds signer to the identities held by the agent.
func WithAgentKey(signer ssh.Signer) Option {
	return func(e *Engine) { e.agentKeys = append(e.agentKeys, signer) }
}

// WithBanner sets the authentication banner.
func WithBanner(message string) Option {
	return func(e *Engine) { e.banner = message }
}

// WithWriteWindow caps the bytes a single channel write accepts.
func WithWriteWindow(n int) Option {
	return func(e *Engine) { e.window = n }
}

// New returns an Engine with a fresh host key and an empty in-memory
// SFTP filesystem. It is closed when the test ends.
func New(t testing.TB, opts ...Option) *Engine {
	t.Helper()

	e := &Engine{
		src:        readiness.NewNotifier(),
		hostKey:    sshtest.GenerateSigner(t),
		handlers:   sftp.InMemHandler(),
		scripts:    make(map[string][]script),
		passwords:  make(map[string]string),
		authorized: make(map[string][]ssh.PublicKey),
		nextPort:   40000,
	}
	e.bridge = xssh.NewBridge(e.src, e.setDir, 0, 0)
	for _, opt := range opts {
		opt(e)
	}

	t.Cleanup(func() { e.Close() })
	return e
}

// Block makes the next operation op report would-block times times in dir
// before it proceeds. Each call to Block scripts one operation.
func (e *Engine) Block(op string, times int, dir engine.Direction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.scripts[op] = append(e.scripts[op], script{times: times, dir: dir})
}

// Stall makes the next operation op report would-block in dir until
// Release is called. No readiness event is sent in the meantime.
func (e *Engine) Stall(op string, dir engine.Direction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.scripts[op] = append(e.scripts[op], script{dir: dir, stall: true})
}

// Release lets every stalled operation op proceed, and sends the readiness
// event it waits for.
func (e *Engine) Release(op string) {
	e.mu.Lock()
	var dirs []engine.Direction
	e.stalled = slices.DeleteFunc(e.stalled, func(p *pending) bool {
		if p.op != op {
			return false
		}
		p.released = true
		dirs = append(dirs, p.dir)
		return true
	})
	e.mu.Unlock()

	for _, dir := range dirs {
		e.src.Notify(dir)
	}
}

// Notify sends a readiness event without changing any operation.
func (e *Engine) Notify(dir engine.Direction) { e.src.Notify(dir) }

// Fail breaks the transport: every wait for readiness fails with err.
func (e *Engine) Fail(err error) { e.src.Fail(err) }

// Calls returns the calls received for op, or every call if op is empty.
func (e *Engine) Calls(op string) []Call {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Call
	for _, c := range e.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Violations describes every retry made with arguments that differ from
// the call that started the operation.
func (e *Engine) Violations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.violations)
}

// Overlaps returns the number of calls that started while another call was
// still running.
func (e *Engine) Overlaps() int { return int(e.overlaps.Load()) }

// Channels returns every channel opened or accepted so far.
func (e *Engine) Channels() []*Channel {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.channels)
}

// Listeners returns every listener created by ForwardListen.
func (e *Engine) Listeners() []*Listener {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.listeners)
}

// Keepalives returns the number of keepalives sent.
func (e *Engine) Keepalives() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.keepalives
}

// DisconnectDescription returns the description passed to Disconnect.
func (e *Engine) DisconnectDescription() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.disconnect
}

// HostSigner returns the signer behind the engine's host key.
func (e *Engine) HostSigner() ssh.Signer { return e.hostKey }

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

func (e *Engine) setDir(dir engine.Direction) { e.dir.Store(uint32(dir)) }

// enter marks a call as running and records an overlap if another one is.
func (e *Engine) enter() func() {
	if e.active.Add(1) > 1 {
		e.overlaps.Add(1)
	}
	return func() { e.active.Add(-1) }
}

// step applies the script for op on h. It returns engine.ErrWouldBlock
// while the operation is scripted to wait.
func (e *Engine) step(h *handle, op string, args ...any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return engine.Errorf(engine.CodeClosed, op, "engine closed")
	}

	a := fmt.Sprintf("%q", args)
	e.calls = append(e.calls, Call{Op: op, Args: a})

	if h.pending == nil {
		h.pending = make(map[string]*pending)
	}

	p, ok := h.pending[op]
	if ok {
		if p.args != a {
			e.violations = append(e.violations, op+": retried with "+a+", started with "+p.args)
		}
	} else {
		q := e.scripts[op]
		if len(q) == 0 {
			return nil
		}
		s := q[0]
		e.scripts[op] = q[1:]

		p = &pending{op: op, args: a, left: s.times, dir: s.dir, stall: s.stall}
		h.pending[op] = p
		if p.stall {
			e.stalled = append(e.stalled, p)
		}
	}

	switch {
	case p.stall && !p.released:
		e.setDir(p.dir)
		return engine.ErrWouldBlock

	case !p.stall && p.left > 0:
		p.left--
		e.setDir(p.dir)
		// the event arrives while the call is still running; the caller
		// armed its source before calling and must not miss it.
		e.src.Notify(p.dir)
		return engine.ErrWouldBlock
	}

	delete(h.pending, op)
	return nil
}

// Readiness returns the notifier readiness events are sent on.
func (e *Engine) Readiness() readiness.Source { return e.src }

func (e *Engine) BlockDirections() engine.Direction {
	return engine.Direction(e.dir.Load())
}

func (e *Engine) SetTransport(conn net.Conn) error {
	defer e.enter()()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transport != nil {
		return engine.Errorf(engine.CodeInvalidState, "set transport", "transport already set")
	}
	e.transport = conn
	return nil
}

func (e *Engine) Handshake() error {
	defer e.enter()()
	if err := e.step(&e.h, "Session.Handshake"); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transport == nil {
		return engine.Errorf(engine.CodeInvalidState, "handshake", "no transport")
	}
	e.handshook = true
	return nil
}

func (e *Engine) HostKey() ssh.PublicKey {
	defer e.enter()()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.handshook {
		return nil
	}
	return e.hostKey.PublicKey()
}

func (e *Engine) Banner() string {
	defer e.enter()()
	return e.banner
}

func (e *Engine) authState(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case !e.handshook:
		return engine.Errorf(engine.CodeInvalidState, op, "handshake not done")
	case e.authed:
		return engine.Errorf(engine.CodeInvalidState, op, "already authenticated")
	}
	return nil
}

func (e *Engine) AuthMethods(user string) ([]string, error) {
	defer e.enter()()
	if err := e.step(&e.h, "Session.AuthMethods", user); err != nil {
		return nil, err
	}
	if err := e.authState("auth methods"); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var methods []string
	if _, ok := e.passwords[user]; ok {
		methods = append(methods, "password")
	}
	if len(e.authorized[user]) > 0 {
		methods = append(methods, "publickey")
	}
	return methods, nil
}

func (e *Engine) AuthPassword(user, password string) error {
	const op = "auth password"
	defer e.enter()()
	if err := e.step(&e.h, "Session.AuthPassword", user, password); err != nil {
		return err
	}
	if err := e.authState(op); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if want, ok := e.passwords[user]; !ok || want != password {
		return engine.Errorf(engine.CodeAuthFailed, op, "password rejected for %s", user)
	}
	e.authed = true
	return nil
}

func (e *Engine) acceptKey(op, user string, keys ...ssh.PublicKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, k := range keys {
		for _, a := range e.authorized[user] {
			if string(a.Marshal()) == string(k.Marshal()) {
				e.authed = true
				return nil
			}
		}
	}
	return engine.Errorf(engine.CodeAuthFailed, op, "public key rejected for %s", user)
}

func (e *Engine) AuthPublicKey(user string, signer ssh.Signer) error {
	const op = "auth public key"
	defer e.enter()()
	if err := e.step(&e.h, "Session.AuthPublicKey", user, signer.PublicKey().Marshal()); err != nil {
		return err
	}
	if err := e.authState(op); err != nil {
		return err
	}
	return e.acceptKey(op, user, signer.PublicKey())
}

func (e *Engine) AuthAgent(user string) error {
	const op = "auth agent"
	defer e.enter()()
	if err := e.step(&e.h, "Session.AuthAgent", user); err != nil {
		return err
	}
	if err := e.authState(op); err != nil {
		return err
	}

	e.mu.Lock()
	var keys []ssh.PublicKey
	for _, s := range e.agentKeys {
		keys = append(keys, s.PublicKey())
	}
	e.mu.Unlock()

	if len(keys) == 0 {
		return engine.Errorf(engine.CodeAgent, op, "agent holds no identities")
	}
	return e.acceptKey(op, user, keys...)
}

func (e *Engine) Authenticated() bool {
	defer e.enter()()

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.authed
}

func (e *Engine) Agent() (engine.Agent, error) {
	defer e.enter()()
	return &Agent{e: e}, nil
}

func (e *Engine) ready(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.authed {
		return engine.Errorf(engine.CodeInvalidState, op, "not authenticated")
	}
	return nil
}

func (e *Engine) newChannel(kind string, echo bool) *Channel {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := &Channel{e: e, id: len(e.channels), kind: kind, echo: echo, env: make(map[string]string)}
	e.channels = append(e.channels, ch)
	return ch
}

func (e *Engine) OpenChannel(kind string, windowSize, packetSize uint32, extra []byte) (engine.Channel, error) {
	const op = "open channel"
	defer e.enter()()
	if err := e.step(&e.h, "Session.OpenChannel", kind, windowSize, packetSize, extra); err != nil {
		return nil, err
	}
	if err := e.ready(op); err != nil {
		return nil, err
	}
	if kind != "session" {
		return nil, engine.Errorf(engine.CodeChannelFailure, op, "unknown channel type %q", kind)
	}
	return e.newChannel(kind, false), nil
}

func (e *Engine) OpenSession() (engine.Channel, error) {
	const op = "open session"
	defer e.enter()()
	if err := e.step(&e.h, "Session.OpenSession"); err != nil {
		return nil, err
	}
	if err := e.ready(op); err != nil {
		return nil, err
	}
	return e.newChannel("session", false), nil
}

// OpenDirectTCPIP opens a channel to an echo service: everything written
// to it can be read back.
func (e *Engine) OpenDirectTCPIP(host string, port int, srcHost string, srcPort int) (engine.Channel, error) {
	const op = "open direct-tcpip"
	defer e.enter()()
	if err := e.step(&e.h, "Session.OpenDirectTCPIP", host, port, srcHost, srcPort); err != nil {
		return nil, err
	}
	if err := e.ready(op); err != nil {
		return nil, err
	}
	return e.newChannel("direct-tcpip", true), nil
}

func (e *Engine) ForwardListen(host string, port int) (engine.Listener, int, error) {
	const op = "forward listen"
	defer e.enter()()
	if err := e.step(&e.h, "Session.ForwardListen", host, port); err != nil {
		return nil, 0, err
	}
	if err := e.ready(op); err != nil {
		return nil, 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if port == 0 {
		port = e.nextPort
		e.nextPort++
	}
	l := &Listener{e: e, addr: net.JoinHostPort(host, strconv.Itoa(port))}
	e.listeners = append(e.listeners, l)
	return l, port, nil
}

func (e *Engine) OpenSFTP() (engine.SFTP, error) {
	const op = "open sftp"
	defer e.enter()()
	if err := e.step(&e.h, "Session.OpenSFTP"); err != nil {
		return nil, err
	}
	if err := e.ready(op); err != nil {
		return nil, err
	}

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	server := sftp.NewRequestServer(pipe{serverR, serverW}, e.handlers)
	go func() {
		server.Serve()
		server.Close()
	}()

	client, err := sftp.NewClientPipe(clientR, clientW)
	if err != nil {
		clientW.Close()
		return nil, engine.WrapError(engine.CodeSFTP, op, err)
	}

	e.mu.Lock()
	e.sftpClients = append(e.sftpClients, client)
	e.mu.Unlock()

	return &sftpFS{e: e, fs: e.bridge.SFTP(client)}, nil
}

type pipe struct {
	*io.PipeReader
	*io.PipeWriter
}

func (p pipe) Close() error {
	p.PipeReader.Close()
	return p.PipeWriter.Close()
}

func (e *Engine) KeepaliveSend() error {
	defer e.enter()()
	if err := e.step(&e.h, "Session.KeepaliveSend"); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.keepalives++
	return nil
}

func (e *Engine) Disconnect(description string) error {
	defer e.enter()()
	if err := e.step(&e.h, "Session.Disconnect", description); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.disconnect = description
	return nil
}

func (e *Engine) Close() error {
	defer e.enter()()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	clients := e.sftpClients
	e.sftpClients = nil
	e.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	e.src.Close()
	return e.bridge.Close()
}

// Agent is the engine's SSH agent.
type Agent struct {
	e *Engine
	h handle

	mu        sync.Mutex
	connected bool
	listed    bool
}

var _ engine.Agent = (*Agent)(nil)

func (a *Agent) Connect() error {
	defer a.e.enter()()
	if err := a.e.step(&a.h, "Agent.Connect"); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.connected = true
	return nil
}

func (a *Agent) ListIdentities() error {
	defer a.e.enter()()
	if err := a.e.step(&a.h, "Agent.ListIdentities"); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return engine.Errorf(engine.CodeInvalidState, "agent list identities", "agent not connected")
	}
	a.listed = true
	return nil
}

func (a *Agent) Identities() ([]*agent.Key, error) {
	defer a.e.enter()()

	a.mu.Lock()
	listed := a.listed
	a.mu.Unlock()

	if !listed {
		return nil, engine.Errorf(engine.CodeInvalidState, "agent identities", "identities not listed")
	}

	a.e.mu.Lock()
	defer a.e.mu.Unlock()

	keys := make([]*agent.Key, 0, len(a.e.agentKeys))
	for i, s := range a.e.agentKeys {
		pk := s.PublicKey()
		keys = append(keys, &agent.Key{
			Format:  pk.Type(),
			Blob:    pk.Marshal(),
			Comment: "key-" + strconv.Itoa(i),
		})
	}
	return keys, nil
}

func (a *Agent) Userauth(user string, identity *agent.Key) error {
	const op = "agent userauth"
	defer a.e.enter()()
	if err := a.e.step(&a.h, "Agent.Userauth", user, identity.Blob); err != nil {
		return err
	}
	if err := a.e.authState(op); err != nil {
		return err
	}

	pk, err := ssh.ParsePublicKey(identity.Blob)
	if err != nil {
		return engine.WrapError(engine.CodeAgent, op, err)
	}
	return a.e.acceptKey(op, user, pk)
}

func (a *Agent) Disconnect() error {
	defer a.e.enter()()
	if err := a.e.step(&a.h, "Agent.Disconnect"); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.connected = false
	return nil
}
