package xssh

import (
	"io"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/sshaio/engine"
)

var (
	errAuthStopped  = errors.New("xssh: authentication stopped")
	errSwitchMethod = errors.New("xssh: next attempt uses another method")
)

// sessionError classifies an error from the SSH connection.
func sessionError(op string, err error) error {
	if err == nil {
		return nil
	}

	var oerr *ssh.OpenChannelError
	switch {
	case errors.As(err, &oerr):
		return engine.WrapError(engine.CodeChannelFailure, op, err)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return engine.WrapError(engine.CodeAuthFailed, op, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return engine.WrapError(engine.CodeSocket, op, err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return engine.WrapError(engine.CodeTimeout, op, err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return engine.WrapError(engine.CodeSocket, op, err)
	}
	return engine.WrapError(engine.CodeProtocol, op, err)
}

// channelError classifies an error from reading or writing a channel.
// End of stream is passed through as io.EOF.
func channelError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case err == io.EOF:
		return io.EOF
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return engine.WrapError(engine.CodeChannelClosed, op, err)
	}
	return sessionError(op, err)
}

// sftpError classifies an error from the SFTP client, restoring the status
// codes pkg/sftp folds into os errors.
func sftpError(op string, err error) error {
	var serr *sftp.StatusError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &serr):
		return engine.StatusError(op, engine.Status(serr.Code))
	case errors.Is(err, os.ErrNotExist):
		return engine.StatusError(op, engine.StatusNoSuchFile)
	case errors.Is(err, os.ErrPermission):
		return engine.StatusError(op, engine.StatusPermissionDenied)
	case errors.Is(err, os.ErrExist):
		return engine.StatusError(op, engine.StatusFileAlreadyExists)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return engine.WrapError(engine.CodeChannelClosed, op, err)
	}
	return engine.WrapError(engine.CodeSFTP, op, err)
}

// sftpReadError is sftpError, except that end of file stays io.EOF.
func sftpReadError(op string, err error) error {
	if err == io.EOF {
		return io.EOF
	}
	return sftpError(op, err)
}
