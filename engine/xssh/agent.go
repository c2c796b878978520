package xssh

import (
	"bytes"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/pkg/sshaio/engine"
)

// agentConn is an engine.Agent talking to the agent at Config.AgentSocket.
type agentConn struct {
	s     *Session
	calls calls

	mu     sync.Mutex
	conn   net.Conn
	client agent.ExtendedAgent
	keys   []*agent.Key
	listed bool
}

var _ engine.Agent = (*agentConn)(nil)

func (a *agentConn) Connect() error {
	const op = "agent connect"
	_, err := poll(a.s.bridge, &a.calls, op, op, engine.Write, func() (struct{}, error) {
		sock, err := a.s.cfg.agentSocket()
		if err != nil {
			return struct{}{}, engine.WrapError(engine.CodeAgent, op, err)
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return struct{}{}, engine.WrapError(engine.CodeAgent, op, err)
		}

		a.mu.Lock()
		defer a.mu.Unlock()

		if a.conn != nil {
			conn.Close()
			return struct{}{}, engine.Errorf(engine.CodeInvalidState, op, "already connected")
		}
		a.conn, a.client = conn, agent.NewClient(conn)
		a.s.agents.Store(a, conn)
		return struct{}{}, nil
	})
	return err
}

func (a *agentConn) connected(op string) (agent.ExtendedAgent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return nil, engine.Errorf(engine.CodeInvalidState, op, "agent not connected")
	}
	return a.client, nil
}

func (a *agentConn) ListIdentities() error {
	const op = "agent list identities"
	client, err := a.connected(op)
	if err != nil {
		return err
	}
	_, err = poll(a.s.bridge, &a.calls, op, op, engine.Read, func() (struct{}, error) {
		keys, err := client.List()
		if err != nil {
			return struct{}{}, engine.WrapError(engine.CodeAgent, op, err)
		}

		a.mu.Lock()
		a.keys, a.listed = keys, true
		a.mu.Unlock()
		return struct{}{}, nil
	})
	return err
}

func (a *agentConn) Identities() ([]*agent.Key, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.listed {
		return nil, engine.Errorf(engine.CodeInvalidState, "agent identities", "identities not listed")
	}
	return a.keys, nil
}

func (a *agentConn) Userauth(user string, identity *agent.Key) error {
	const op = "agent userauth"
	if err := a.s.checkAuth(op, user); err != nil {
		return err
	}
	client, err := a.connected(op)
	if err != nil {
		return err
	}

	_, err = poll(a.s.bridge, &a.calls, op, key(op, user, identity.Blob), engine.Read, func() (struct{}, error) {
		signers, err := client.Signers()
		if err != nil {
			return struct{}{}, engine.WrapError(engine.CodeAgent, op, err)
		}

		var signer ssh.Signer
		for _, s := range signers {
			if bytes.Equal(s.PublicKey().Marshal(), identity.Blob) {
				signer = s
				break
			}
		}
		if signer == nil {
			return struct{}{}, engine.Errorf(engine.CodeAgent, op, "agent no longer holds %s", identity.Comment)
		}

		at := newAttempt(op, "publickey")
		at.signers = []ssh.Signer{signer}
		return struct{}{}, a.s.auth.submit(at)
	})
	return err
}

func (a *agentConn) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	a.conn, a.client = nil, nil
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	a.s.agents.Delete(a)
	return conn.Close()
}
