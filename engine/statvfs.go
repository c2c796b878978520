package engine

// StatVFS is the filesystem information returned by the
// statvfs@openssh.com extension.
type StatVFS struct {
	Bsize   uint64 // file system block size
	Frsize  uint64 // fundamental block size
	Blocks  uint64 // blocks, in units of Frsize
	Bfree   uint64 // free blocks
	Bavail  uint64 // free blocks for non-root
	Files   uint64 // file inodes
	Ffree   uint64 // free file inodes
	Favail  uint64 // free file inodes for non-root
	Fsid    uint64
	Flag    uint64 // ST_RDONLY, ST_NOSUID
	Namemax uint64 // maximum file name length
}

// Statvfs flag bits.
const (
	StatVFSReadOnly uint64 = 0x1
	StatVFSNoSUID   uint64 = 0x2
)

// TotalSpace returns the size of the filesystem in bytes.
func (st *StatVFS) TotalSpace() uint64 {
	return st.Frsize * st.Blocks
}

// FreeSpace returns the bytes available to non-root users.
func (st *StatVFS) FreeSpace() uint64 {
	return st.Frsize * st.Bavail
}
