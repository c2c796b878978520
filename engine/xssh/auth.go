package xssh

import (
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/pkg/sshaio/engine"
)

// attempt is one authentication request made by the caller.
type attempt struct {
	op       string
	method   string
	password string
	signers  []ssh.Signer
	done     chan error
}

func newAttempt(op, method string) *attempt {
	return &attempt{op: op, method: method, done: make(chan error, 1)}
}

// authQueue feeds caller attempts to the authentication callbacks of
// x/crypto/ssh, which runs the whole exchange inside ssh.NewClientConn.
//
// The client tries methods in the order of ssh.ClientConfig.Auth and never
// returns to a method it has left. Public key attempts are served first;
// the first password attempt moves the connection to password
// authentication for good.
type authQueue struct {
	next chan *attempt
	stop chan struct{}
	once sync.Once

	mu       sync.Mutex
	carry    *attempt // taken by the public key callback, owed to the password callback
	inflight *attempt // handed to the client, outcome not yet known
	finished bool
	result   error
}

func newAuthQueue() *authQueue {
	return &authQueue{
		next: make(chan *attempt),
		stop: make(chan struct{}),
	}
}

func (q *authQueue) methods() []ssh.AuthMethod {
	return []ssh.AuthMethod{
		ssh.RetryableAuthMethod(ssh.PublicKeysCallback(q.publicKeys), -1),
		ssh.RetryableAuthMethod(ssh.PasswordCallback(q.password), -1),
	}
}

// submit hands a to the client and waits for its outcome.
func (q *authQueue) submit(a *attempt) error {
	select {
	case q.next <- a:
	case <-q.stop:
		return q.outcome(a.op)
	}
	return <-a.done
}

func (q *authQueue) outcome(op string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.finished {
		return engine.Errorf(engine.CodeClosed, op, "session closed during authentication")
	}
	return sessionError(op, q.result)
}

// take returns the next attempt, or false once authentication has stopped.
func (q *authQueue) take() (*attempt, bool) {
	q.mu.Lock()
	if a := q.carry; a != nil {
		q.carry = nil
		q.mu.Unlock()
		return a, true
	}
	q.mu.Unlock()

	select {
	case a := <-q.next:
		return a, true
	case <-q.stop:
		return nil, false
	}
}

// rejectInflight resolves the attempt handed out last: the client only
// asks again after the server refused it.
func (q *authQueue) rejectInflight() {
	q.mu.Lock()
	a := q.inflight
	q.inflight = nil
	q.mu.Unlock()

	if a != nil {
		a.done <- engine.Errorf(engine.CodeAuthFailed, a.op, "rejected by server")
	}
}

func (q *authQueue) publicKeys() ([]ssh.Signer, error) {
	q.rejectInflight()

	a, ok := q.take()
	if !ok {
		return nil, errAuthStopped
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if a.method == "password" {
		q.carry = a
		return nil, errSwitchMethod
	}
	q.inflight = a
	return a.signers, nil
}

func (q *authQueue) password() (string, error) {
	q.rejectInflight()

	for {
		a, ok := q.take()
		if !ok {
			return "", errAuthStopped
		}
		if a.method != "password" {
			a.done <- engine.Errorf(engine.CodeMethodNotSupported, a.op, "public key authentication is no longer offered on this connection")
			continue
		}

		q.mu.Lock()
		q.inflight = a
		q.mu.Unlock()
		return a.password, nil
	}
}

// finish records the end of the exchange and resolves anything outstanding.
func (q *authQueue) finish(err error) {
	q.mu.Lock()
	q.finished, q.result = true, err
	inflight, carry := q.inflight, q.carry
	q.inflight, q.carry = nil, nil
	q.mu.Unlock()

	q.close()

	if inflight != nil {
		inflight.done <- sessionError(inflight.op, err)
	}
	if carry != nil {
		carry.done <- sessionError(carry.op, err)
	}
}

func (q *authQueue) close() {
	q.once.Do(func() { close(q.stop) })
}
