package engine

import (
	"io"
	"io/fs"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	err := Errorf(CodeChannelFailure, "exec", "request %q denied", "exec")
	assert.Equal(t, `engine: exec: channel failure: request "exec" denied`, err.Error())

	assert.Nil(t, WrapError(CodeSocket, "read", nil))

	cause := errors.New("broken pipe")
	wrapped := WrapError(CodeSocket, "read", cause)
	assert.Equal(t, "engine: read: socket: broken pipe", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)

	outer := errors.Wrap(wrapped, "session")
	assert.Equal(t, CodeSocket, CodeOf(outer))
	assert.True(t, IsCode(outer, CodeSocket))
	assert.False(t, IsCode(outer, CodeProtocol))

	assert.Equal(t, CodeUnknown, CodeOf(cause))
	assert.False(t, IsCode(nil, CodeUnknown))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "authentication failed", CodeAuthFailed.String())
	assert.Equal(t, "busy", CodeBusy.String())
	assert.Equal(t, "code(99)", Code(99).String())
}

func TestStatus(t *testing.T) {
	for _, tt := range []struct {
		status Status
		target error
	}{
		{StatusEOF, io.EOF},
		{StatusNoSuchFile, fs.ErrNotExist},
		{StatusNoSuchPath, fs.ErrNotExist},
		{StatusPermissionDenied, fs.ErrPermission},
		{StatusWriteProtect, fs.ErrPermission},
		{StatusFileAlreadyExists, fs.ErrExist},
	} {
		err := StatusError("open", tt.status)
		assert.ErrorIs(t, err, tt.target, tt.status.Error())
		assert.Equal(t, CodeSFTP, err.Code)
	}

	assert.NotErrorIs(t, StatusError("open", StatusFailure), fs.ErrNotExist)
	assert.NotErrorIs(t, StatusError("read", StatusNoSuchFile), io.EOF)

	assert.Equal(t, "engine: open: sftp: no such file", StatusError("open", StatusNoSuchFile).Error())
	assert.Equal(t, "failure", StatusFailure.Error())
	assert.Equal(t, "failure", Status(1000).Error())
}
