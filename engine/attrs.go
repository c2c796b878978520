package engine

// SSH_FXP_ATTRS support
// see http://tools.ietf.org/html/draft-ietf-secsh-filexfer-02#section-5

import (
	"io/fs"
	"time"
)

// AttrFlags records which FileStat fields are present.
type AttrFlags uint32

// Attribute presence flags.
const (
	AttrSize        AttrFlags = 0x00000001
	AttrUIDGID      AttrFlags = 0x00000002
	AttrPermissions AttrFlags = 0x00000004
	AttrACModTime   AttrFlags = 0x00000008
)

// FileStat is the attribute set of a remote file.
// Only the fields whose flag is set in Flags are meaningful.
type FileStat struct {
	Flags AttrFlags
	Size  uint64
	UID   uint32
	GID   uint32
	Mode  fs.FileMode
	Atime time.Time
	Mtime time.Time
}

// Has reports whether all fields in f are present.
func (st FileStat) Has(f AttrFlags) bool { return st.Flags&f == f }

// IsDir reports whether the permissions describe a directory.
func (st FileStat) IsDir() bool { return st.Has(AttrPermissions) && st.Mode.IsDir() }

// IsRegular reports whether the permissions describe a regular file.
func (st FileStat) IsRegular() bool { return st.Has(AttrPermissions) && st.Mode.IsRegular() }

// FileInfo returns st as an fs.FileInfo under the given base name.
func (st FileStat) FileInfo(name string) fs.FileInfo {
	return &fileInfo{name: name, stat: st}
}

// StatFromFileInfo converts fi into a FileStat.
// If fi.Sys() is already a FileStat or *FileStat, it is returned as is.
func StatFromFileInfo(fi fs.FileInfo) FileStat {
	switch sys := fi.Sys().(type) {
	case FileStat:
		return sys
	case *FileStat:
		if sys != nil {
			return *sys
		}
	}
	return FileStat{
		Flags: AttrSize | AttrPermissions | AttrACModTime,
		Size:  uint64(fi.Size()),
		Mode:  fi.Mode(),
		Atime: fi.ModTime(),
		Mtime: fi.ModTime(),
	}
}

type fileInfo struct {
	name string
	stat FileStat
}

// Name returns the base name of the file.
func (fi *fileInfo) Name() string { return fi.name }

// Size returns the length in bytes for regular files; system-dependent for others.
func (fi *fileInfo) Size() int64 { return int64(fi.stat.Size) }

// Mode returns file mode bits.
func (fi *fileInfo) Mode() fs.FileMode { return fi.stat.Mode }

// ModTime returns the last modification time of the file.
func (fi *fileInfo) ModTime() time.Time { return fi.stat.Mtime }

// IsDir returns true if the file is a directory.
func (fi *fileInfo) IsDir() bool { return fi.Mode().IsDir() }

func (fi *fileInfo) Sys() interface{} { return fi.stat }
