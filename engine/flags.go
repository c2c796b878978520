package engine

import (
	"os"
)

// OpenFlags selects the SFTP open mode of a file.
type OpenFlags uint32

// SFTP open flags (SSH_FXF_*).
const (
	OpenRead      OpenFlags = 0x00000001
	OpenWrite     OpenFlags = 0x00000002
	OpenAppend    OpenFlags = 0x00000004
	OpenCreate    OpenFlags = 0x00000008
	OpenTruncate  OpenFlags = 0x00000010
	OpenExclusive OpenFlags = 0x00000020
)

// OSFlags converts f into the flags understood by os.OpenFile.
func (f OpenFlags) OSFlags() int {
	var out int
	switch {
	case f&OpenRead != 0 && f&OpenWrite != 0:
		out = os.O_RDWR
	case f&OpenWrite != 0:
		out = os.O_WRONLY
	default:
		out = os.O_RDONLY
	}
	if f&OpenAppend != 0 {
		out |= os.O_APPEND
	}
	if f&OpenCreate != 0 {
		out |= os.O_CREATE
	}
	if f&OpenTruncate != 0 {
		out |= os.O_TRUNC
	}
	if f&OpenExclusive != 0 {
		out |= os.O_EXCL
	}
	return out
}

// FromOSFlags converts os.OpenFile flags into OpenFlags.
// Unsupported flags are ignored.
func FromOSFlags(f int) OpenFlags {
	var out OpenFlags
	switch f & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		out |= OpenWrite
	case os.O_RDWR:
		out |= OpenRead | OpenWrite
	default:
		out |= OpenRead
	}
	if f&os.O_APPEND == os.O_APPEND {
		out |= OpenAppend
	}
	if f&os.O_CREATE == os.O_CREATE {
		out |= OpenCreate
	}
	if f&os.O_TRUNC == os.O_TRUNC {
		out |= OpenTruncate
	}
	if f&os.O_EXCL == os.O_EXCL {
		out |= OpenExclusive
	}
	return out
}

// RenameFlags selects rename semantics. The zero value asks for all of them.
type RenameFlags uint32

// Rename flags.
const (
	RenameOverwrite RenameFlags = 0x00000001
	RenameAtomic    RenameFlags = 0x00000002
	RenameNative    RenameFlags = 0x00000004
)
