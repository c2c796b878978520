package sshaio

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh/agent"

	"github.com/pkg/sshaio/engine"
)

// Agent is a connection to the local SSH agent, used to authenticate the
// session with one of the agent's identities.
type Agent struct {
	s     *Session
	life  *lifetime
	agent engine.Agent
}

// Connect connects to the agent.
func (a *Agent) Connect(ctx context.Context) error {
	return exec(ctx, a.s.c, a.life, "agent connect", a.agent.Connect)
}

// ListIdentities fetches the identities held by the agent.
func (a *Agent) ListIdentities(ctx context.Context) error {
	return exec(ctx, a.s.c, a.life, "agent list identities", a.agent.ListIdentities)
}

// Identities returns the identities fetched by the last ListIdentities.
func (a *Agent) Identities(ctx context.Context) ([]*agent.Key, error) {
	return call(ctx, a.s.c, a.life, "agent identities", a.agent.Identities)
}

// Userauth authenticates the session as user with identity.
// On success the session is Ready.
func (a *Agent) Userauth(ctx context.Context, user string, identity *agent.Key) error {
	if identity == nil {
		return errors.New("sshaio: agent userauth: nil identity")
	}
	return a.s.auth(ctx, "agent userauth", func() error {
		if err := a.life.check("agent userauth"); err != nil {
			return err
		}
		return a.agent.Userauth(user, identity)
	})
}

// Disconnect closes the connection to the agent.
func (a *Agent) Disconnect(ctx context.Context) error {
	if a.life.isClosed() {
		return nil
	}
	err := execClosing(ctx, a.s.c, a.life, "agent disconnect", a.agent.Disconnect)
	if err != nil && a.life.invalidated() {
		return err
	}
	a.life.close()
	return err
}
