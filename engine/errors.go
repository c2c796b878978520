package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrWouldBlock is returned by any engine call that cannot make progress
// without waiting for the transport. It is not a failure: the caller must
// wait for Session.BlockDirections and repeat the identical call.
var ErrWouldBlock = errors.New("engine: operation would block")

// Code classifies a definite engine failure.
type Code int

// Engine failure codes.
const (
	CodeUnknown Code = iota
	// CodeSocket is a transport failure observed by the engine itself.
	CodeSocket
	// CodeProtocol is a malformed or unexpected message from the peer.
	CodeProtocol
	// CodeAuthFailed is a definite rejection of the offered credentials.
	// The session stays usable for another attempt.
	CodeAuthFailed
	// CodeMethodNotSupported means the server, or the engine, cannot use
	// the requested authentication method right now.
	CodeMethodNotSupported
	// CodeChannelFailure is a rejected channel open or channel request.
	CodeChannelFailure
	// CodeChannelClosed is an operation on a channel the peer has closed.
	CodeChannelClosed
	// CodeChannelEOF is a write after the engine already sent EOF.
	CodeChannelEOF
	// CodeRequestDenied is a rejected global request, such as tcpip-forward.
	CodeRequestDenied
	// CodeSFTP is an SFTP status response. Err holds the Status.
	CodeSFTP
	// CodeBusy is a different call on a handle that still has an
	// operation in progress.
	CodeBusy
	// CodeInvalidState is a call the engine cannot serve in its current state,
	// for example opening a channel before authentication.
	CodeInvalidState
	// CodeAgent is a failure talking to the SSH agent.
	CodeAgent
	// CodeTimeout is an engine-side timeout.
	CodeTimeout
	// CodeClosed is a call on a handle the engine has already released.
	CodeClosed
)

var codeNames = map[Code]string{
	CodeUnknown:            "unknown",
	CodeSocket:             "socket",
	CodeProtocol:           "protocol",
	CodeAuthFailed:         "authentication failed",
	CodeMethodNotSupported: "method not supported",
	CodeChannelFailure:     "channel failure",
	CodeChannelClosed:      "channel closed",
	CodeChannelEOF:         "channel eof sent",
	CodeRequestDenied:      "request denied",
	CodeSFTP:               "sftp",
	CodeBusy:               "busy",
	CodeInvalidState:       "invalid state",
	CodeAgent:              "agent",
	CodeTimeout:            "timeout",
	CodeClosed:             "closed",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is a definite failure reported by an engine.
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := "engine: " + e.Op + ": " + e.Code.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf returns an *Error with a formatted message.
func Errorf(code Code, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WrapError returns an *Error with the given cause, or nil if err is nil.
func WrapError(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the Code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode reports whether err's chain contains an *Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
