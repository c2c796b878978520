// Package sshtest runs an in-process SSH server for tests.
//
// A shell request on a session channel starts a tiny line shell, and an
// exec request runs one of its commands:
//
//	echo WORDS   writes WORDS and a newline to stdout
//	warn WORDS   writes WORDS and a newline to stderr
//	exit N       sends exit status N and closes the channel
//
// EOF from the client ends the shell with status 0. The "sftp" subsystem is
// served from an in-memory filesystem shared by every connection, and
// direct-tcpip and tcpip-forward are supported.
package sshtest

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// GenerateSigner returns an ephemeral ed25519 signer.
func GenerateSigner(t testing.TB) ssh.Signer {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	return signer
}

// Server is a running test server.
type Server struct {
	// Addr is the address the server listens on.
	Addr string
	// HostKey is the server's host key.
	HostKey ssh.Signer

	ln       net.Listener
	cfg      *ssh.ServerConfig
	handlers sftp.Handlers

	mu         sync.Mutex
	passwords  map[string]string
	authorized map[string][]ssh.PublicKey
	conns      []net.Conn

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithPassword accepts password for user.
func WithPassword(user, password string) Option {
	return func(s *Server) { s.passwords[user] = password }
}

// WithAuthorizedKey accepts key for user.
func WithAuthorizedKey(user string, key ssh.PublicKey) Option {
	return func(s *Server) { s.authorized[user] = append(s.authorized[user], key) }
}

// WithBanner sends message before authentication.
func WithBanner(message string) Option {
	return func(s *Server) {
		s.cfg.BannerCallback = func(ssh.ConnMetadata) string { return message }
	}
}

// NewServer starts a server on a loopback port. It is stopped when the test ends.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		HostKey:    GenerateSigner(t),
		handlers:   sftp.InMemHandler(),
		passwords:  make(map[string]string),
		authorized: make(map[string][]ssh.PublicKey),
	}
	s.cfg = &ssh.ServerConfig{
		PasswordCallback:  s.checkPassword,
		PublicKeyCallback: s.checkPublicKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg.AddHostKey(s.HostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.ln = ln
	s.Addr = ln.Addr().String()

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)
	return s
}

// Dial opens a TCP connection to the server.
func (s *Server) Dial(t testing.TB) *net.TCPConn {
	t.Helper()

	conn, err := net.Dial("tcp", s.Addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn.(*net.TCPConn)
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	s.ln.Close()

	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) checkPassword(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if want, ok := s.passwords[c.User()]; ok && want == string(password) {
		return nil, nil
	}
	return nil, errAccessDenied
}

func (s *Server) checkPublicKey(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.authorized[c.User()] {
		if string(k.Marshal()) == string(key.Marshal()) {
			return nil, nil
		}
	}
	return nil, errAccessDenied
}

type accessDenied struct{}

func (accessDenied) Error() string { return "sshtest: access denied" }

var errAccessDenied error = accessDenied{}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer nc.Close()

	conn, chans, reqs, err := ssh.NewServerConn(nc, s.cfg)
	if err != nil {
		return
	}
	defer conn.Close()

	fwd := &forwards{conn: conn, listeners: make(map[string]net.Listener)}
	defer fwd.closeAll()

	go fwd.serveRequests(reqs)

	var wg sync.WaitGroup
	defer wg.Wait()

	for nch := range chans {
		switch nch.ChannelType() {
		case "session":
			ch, creqs, err := nch.Accept()
			if err != nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleSession(ch, creqs)
			}()

		case "direct-tcpip":
			var msg directTCPIPMsg
			if err := ssh.Unmarshal(nch.ExtraData(), &msg); err != nil {
				nch.Reject(ssh.ConnectionFailed, "malformed direct-tcpip payload")
				continue
			}
			target, err := net.Dial("tcp", net.JoinHostPort(msg.Host, strconv.Itoa(int(msg.Port))))
			if err != nil {
				nch.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			ch, creqs, err := nch.Accept()
			if err != nil {
				target.Close()
				continue
			}
			go ssh.DiscardRequests(creqs)

			wg.Add(1)
			go func() {
				defer wg.Done()
				relay(ch, target)
			}()

		default:
			nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

type directTCPIPMsg struct {
	Host    string
	Port    uint32
	SrcHost string
	SrcPort uint32
}

// session is one session channel.
type session struct {
	ch   ssh.Channel
	once sync.Once
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	sess := &session{ch: ch}

	var wg sync.WaitGroup
	defer wg.Wait()

	started := false
	for req := range reqs {
		switch req.Type {
		case "shell", "exec", "subsystem":
			if started {
				req.Reply(false, nil)
				continue
			}
		}

		switch req.Type {
		case "shell":
			started = true
			req.Reply(true, nil)

			wg.Add(1)
			go func() {
				defer wg.Done()
				sess.shell()
			}()

		case "exec":
			var msg struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)

			code, _ := sess.run(msg.Command)
			sess.exit(code)

		case "subsystem":
			var msg struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)

			wg.Add(1)
			go func() {
				defer wg.Done()
				server := sftp.NewRequestServer(ch, s.handlers)
				server.Serve()
				server.Close()
				sess.exit(0)
			}()

		case "env", "pty-req", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// shell runs commands from the channel input until EOF or exit.
func (sess *session) shell() {
	r := bufio.NewReader(sess.ch)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			if code, exited := sess.run(strings.TrimSuffix(line, "\n")); exited {
				sess.exit(code)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				sess.exit(0)
			}
			return
		}
	}
}

func (sess *session) run(line string) (code int, exited bool) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "":
	case "echo":
		io.WriteString(sess.ch, arg+"\n")
	case "warn":
		io.WriteString(sess.ch.Stderr(), arg+"\n")
	case "exit":
		code, err := strconv.Atoi(arg)
		if err != nil {
			code = 255
		}
		return code, true
	default:
		io.WriteString(sess.ch.Stderr(), cmd+": command not found\n")
	}
	return 0, false
}

// exit sends the exit status and closes the channel, once.
func (sess *session) exit(code int) {
	sess.once.Do(func() {
		status := struct{ Status uint32 }{uint32(code)}
		sess.ch.SendRequest("exit-status", false, ssh.Marshal(&status))
		sess.ch.CloseWrite()
		sess.ch.Close()
	})
}

func relay(ch ssh.Channel, conn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(conn, ch)
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(ch, conn)
		ch.CloseWrite()
	}()
	wg.Wait()
	conn.Close()
	ch.Close()
}

// forwards serves tcpip-forward requests for one connection.
type forwards struct {
	conn *ssh.ServerConn

	mu        sync.Mutex
	listeners map[string]net.Listener
}

// RFC 4254 7.1
type forwardMsg struct {
	Addr string
	Port uint32
}

type forwardedTCPIPMsg struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

func (f *forwards) serveRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var msg forwardMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				req.Reply(false, nil)
				continue
			}
			ln, err := net.Listen("tcp", net.JoinHostPort(msg.Addr, strconv.Itoa(int(msg.Port))))
			if err != nil {
				req.Reply(false, nil)
				continue
			}
			port := uint32(ln.Addr().(*net.TCPAddr).Port)

			f.mu.Lock()
			f.listeners[net.JoinHostPort(msg.Addr, strconv.Itoa(int(port)))] = ln
			f.mu.Unlock()

			req.Reply(true, ssh.Marshal(&struct{ Port uint32 }{port}))
			go f.accept(ln, msg.Addr, port)

		case "cancel-tcpip-forward":
			var msg forwardMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				req.Reply(false, nil)
				continue
			}
			k := net.JoinHostPort(msg.Addr, strconv.Itoa(int(msg.Port)))

			f.mu.Lock()
			ln, ok := f.listeners[k]
			delete(f.listeners, k)
			f.mu.Unlock()

			if ok {
				ln.Close()
			}
			req.Reply(ok, nil)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (f *forwards) accept(ln net.Listener, addr string, port uint32) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		origin := conn.RemoteAddr().(*net.TCPAddr)
		payload := ssh.Marshal(&forwardedTCPIPMsg{
			Addr:       addr,
			Port:       port,
			OriginAddr: origin.IP.String(),
			OriginPort: uint32(origin.Port),
		})

		ch, reqs, err := f.conn.OpenChannel("forwarded-tcpip", payload)
		if err != nil {
			conn.Close()
			continue
		}
		go ssh.DiscardRequests(reqs)
		go relay(ch, conn)
	}
}

func (f *forwards) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for k, ln := range f.listeners {
		ln.Close()
		delete(f.listeners, k)
	}
}
