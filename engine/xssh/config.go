package xssh

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Config configures a Session engine.
type Config struct {
	// User is the name authenticated as. x/crypto/ssh fixes it for the
	// connection, so every authentication call must name this user.
	User string

	// HostKeyCallback verifies the server's host key. It is required;
	// use ssh.InsecureIgnoreHostKey only in tests.
	HostKeyCallback ssh.HostKeyCallback

	// ClientVersion overrides the SSH identification string.
	ClientVersion string

	// HostKeyAlgorithms lists the accepted host key algorithms, in order of preference.
	HostKeyAlgorithms []string

	// Timeout bounds the key exchange. Authentication is not bounded,
	// since it waits for the caller's attempts.
	Timeout time.Duration

	// AgentSocket is the path of the SSH agent socket.
	// If empty, $SSH_AUTH_SOCK is used.
	AgentSocket string

	// SFTPOptions are passed to sftp.NewClient.
	SFTPOptions []sftp.ClientOption

	// ReadBufferSize is the largest single read from a channel or file.
	ReadBufferSize int

	// MaxOperations bounds the calls in progress at once.
	MaxOperations int
}

func (c *Config) validate() error {
	if c.User == "" {
		return errors.New("xssh: config: empty user")
	}
	if c.HostKeyCallback == nil {
		return errors.New("xssh: config: nil host key callback")
	}
	return nil
}

func (c *Config) agentSocket() (string, error) {
	if c.AgentSocket != "" {
		return c.AgentSocket, nil
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		return sock, nil
	}
	return "", errors.New("xssh: SSH_AUTH_SOCK is not set")
}
