package engine

import (
	"io"
	"io/fs"
)

// Status is an SFTP status code, as carried in an SSH_FXP_STATUS response.
// It implements error, and matches io.EOF, fs.ErrNotExist, fs.ErrPermission
// and fs.ErrExist through errors.Is.
type Status uint32

// SFTP status codes.
// see https://datatracker.ietf.org/doc/html/draft-ietf-secsh-filexfer-13#section-9.1
const (
	StatusOK Status = iota
	StatusEOF
	StatusNoSuchFile
	StatusPermissionDenied
	StatusFailure
	StatusBadMessage
	StatusNoConnection
	StatusConnectionLost
	StatusOpUnsupported
	StatusInvalidHandle
	StatusNoSuchPath
	StatusFileAlreadyExists
	StatusWriteProtect
	StatusNoMedia
	StatusNoSpaceOnFilesystem
	StatusQuotaExceeded
	StatusUnknownPrincipal
	StatusLockConflict
	StatusDirNotEmpty
	StatusNotADirectory
	StatusInvalidFilename
	StatusLinkLoop
	StatusCannotDelete
	StatusInvalidParameter
	StatusFileIsADirectory
	StatusByteRangeLockConflict
	StatusByteRangeLockRefused
	StatusDeletePending
	StatusFileCorrupt
	StatusOwnerInvalid
	StatusGroupInvalid
	StatusNoMatchingByteRangeLock
)

func (s Status) Error() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusEOF:
		return "EOF"
	case StatusNoSuchFile:
		return "no such file"
	case StatusPermissionDenied:
		return "permission denied"
	case StatusBadMessage:
		return "bad message"
	case StatusNoConnection:
		return "no connection"
	case StatusConnectionLost:
		return "connection lost"
	case StatusOpUnsupported:
		return "operation unsupported"
	case StatusInvalidHandle:
		return "invalid handle"
	case StatusNoSuchPath:
		return "no such path"
	case StatusFileAlreadyExists:
		return "file already exists"
	case StatusWriteProtect:
		return "write protect"
	case StatusNoMedia:
		return "no media"
	case StatusNoSpaceOnFilesystem:
		return "no space on filesystem"
	case StatusQuotaExceeded:
		return "quota exceeded"
	case StatusUnknownPrincipal:
		return "unknown principal"
	case StatusLockConflict:
		return "lock conflict"
	case StatusDirNotEmpty:
		return "dir not empty"
	case StatusNotADirectory:
		return "not a directory"
	case StatusInvalidFilename:
		return "invalid filename"
	case StatusLinkLoop:
		return "link loop"
	case StatusCannotDelete:
		return "cannot delete"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusFileIsADirectory:
		return "file is a directory"
	case StatusByteRangeLockConflict:
		return "byte range lock conflict"
	case StatusByteRangeLockRefused:
		return "byte range lock refused"
	case StatusDeletePending:
		return "delete pending"
	case StatusFileCorrupt:
		return "file corrupt"
	case StatusOwnerInvalid:
		return "owner invalid"
	case StatusGroupInvalid:
		return "group invalid"
	case StatusNoMatchingByteRangeLock:
		return "no matching byte range lock"
	default:
		return "failure"
	}
}

// Is maps status codes onto the standard library's sentinel errors.
func (s Status) Is(target error) bool {
	switch target {
	case io.EOF:
		return s == StatusEOF
	case fs.ErrNotExist:
		return s == StatusNoSuchFile || s == StatusNoSuchPath
	case fs.ErrPermission:
		return s == StatusPermissionDenied || s == StatusWriteProtect
	case fs.ErrExist:
		return s == StatusFileAlreadyExists
	}
	return false
}

// StatusError returns an SFTP engine failure for op carrying status s.
func StatusError(op string, s Status) *Error {
	return &Error{Code: CodeSFTP, Op: op, Err: s}
}
