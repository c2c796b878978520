package xssh

import (
	"io"
	"io/fs"
	"os"
	"time"

	kfs "github.com/kr/fs"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"

	"github.com/pkg/sshaio/engine"
)

// SFTP returns an engine.SFTP over c. Closing it closes c.
func (b *Bridge) SFTP(c *sftp.Client) engine.SFTP {
	return &sftpFS{b: b, c: c}
}

type sftpFS struct {
	b     *Bridge
	c     *sftp.Client
	calls calls
}

var _ engine.SFTP = (*sftpFS)(nil)

// statFromInfo converts a FileInfo from pkg/sftp, whose Sys is a
// *sftp.FileStat carrying the wire attributes.
func statFromInfo(fi os.FileInfo) engine.FileStat {
	sys, ok := fi.Sys().(*sftp.FileStat)
	if !ok || sys == nil {
		return engine.StatFromFileInfo(fi)
	}
	return engine.FileStat{
		Flags: engine.AttrSize | engine.AttrUIDGID | engine.AttrPermissions | engine.AttrACModTime,
		Size:  sys.Size,
		UID:   sys.UID,
		GID:   sys.GID,
		Mode:  fi.Mode(),
		Atime: time.Unix(int64(sys.Atime), 0),
		Mtime: time.Unix(int64(sys.Mtime), 0),
	}
}

func (s *sftpFS) Open(path string, flags engine.OpenFlags, perm fs.FileMode) (engine.File, error) {
	const op = "open"
	return poll(s.b, &s.calls, op, key(op, path, uint32(flags), uint32(perm)), engine.Read, func() (engine.File, error) {
		// OpenFile takes no permissions; apply them to a file this call creates.
		created := false
		if flags&engine.OpenCreate != 0 && perm != 0 {
			_, err := s.c.Lstat(path)
			created = errors.Is(err, os.ErrNotExist)
		}

		f, err := s.c.OpenFile(path, flags.OSFlags())
		if err != nil {
			return nil, sftpError(op, err)
		}
		if created {
			if err := f.Chmod(perm); err != nil {
				f.Close()
				return nil, sftpError(op, err)
			}
		}
		return &sftpFile{b: s.b, c: s.c, f: f}, nil
	})
}

func (s *sftpFS) OpenDir(path string) (engine.Dir, error) {
	const op = "opendir"
	return poll(s.b, &s.calls, op, key(op, path), engine.Read, func() (engine.Dir, error) {
		infos, err := s.c.ReadDir(path)
		if err != nil {
			return nil, sftpError(op, err)
		}
		return &sftpDir{infos: infos}, nil
	})
}

func (s *sftpFS) Stat(path string) (engine.FileStat, error) {
	const op = "stat"
	return poll(s.b, &s.calls, op, key(op, path), engine.Read, func() (engine.FileStat, error) {
		fi, err := s.c.Stat(path)
		if err != nil {
			return engine.FileStat{}, sftpError(op, err)
		}
		return statFromInfo(fi), nil
	})
}

func (s *sftpFS) Lstat(path string) (engine.FileStat, error) {
	const op = "lstat"
	return poll(s.b, &s.calls, op, key(op, path), engine.Read, func() (engine.FileStat, error) {
		fi, err := s.c.Lstat(path)
		if err != nil {
			return engine.FileStat{}, sftpError(op, err)
		}
		return statFromInfo(fi), nil
	})
}

func (s *sftpFS) Setstat(path string, st engine.FileStat) error {
	const op = "setstat"
	_, err := poll(s.b, &s.calls, op, statKey(op, st, path), engine.Read, func() (struct{}, error) {
		return struct{}{}, sftpError(op, setstat(st, setters{
			chmod:    func(m fs.FileMode) error { return s.c.Chmod(path, m) },
			chown:    func(uid, gid int) error { return s.c.Chown(path, uid, gid) },
			truncate: func(size int64) error { return s.c.Truncate(path, size) },
			chtimes:  func(a, m time.Time) error { return s.c.Chtimes(path, a, m) },
		}))
	})
	return err
}

// statKey names a setstat by every field of st, so calls that differ in any
// attribute never share a result.
func statKey(op string, st engine.FileStat, parts ...any) string {
	parts = append([]any{op}, parts...)
	parts = append(parts,
		uint32(st.Flags),
		int64(st.Size),
		st.UID,
		st.GID,
		uint32(st.Mode),
		st.Atime.Format(time.RFC3339Nano),
		st.Mtime.Format(time.RFC3339Nano),
	)
	return key(parts...)
}

type setters struct {
	chmod    func(fs.FileMode) error
	chown    func(uid, gid int) error
	truncate func(int64) error
	chtimes  func(atime, mtime time.Time) error
}

// setstat applies st one attribute group at a time, since pkg/sftp has no
// single call for an arbitrary attribute set.
func setstat(st engine.FileStat, set setters) error {
	if st.Has(engine.AttrPermissions) {
		if err := set.chmod(st.Mode); err != nil {
			return err
		}
	}
	if st.Has(engine.AttrUIDGID) {
		if err := set.chown(int(st.UID), int(st.GID)); err != nil {
			return err
		}
	}
	if st.Has(engine.AttrSize) {
		if err := set.truncate(int64(st.Size)); err != nil {
			return err
		}
	}
	if st.Has(engine.AttrACModTime) {
		if err := set.chtimes(st.Atime, st.Mtime); err != nil {
			return err
		}
	}
	return nil
}

func (s *sftpFS) Rename(oldpath, newpath string, flags engine.RenameFlags) error {
	const op = "rename"
	_, err := poll(s.b, &s.calls, op, key(op, oldpath, newpath, uint32(flags)), engine.Read, func() (struct{}, error) {
		if flags&engine.RenameOverwrite != 0 {
			if _, ok := s.c.HasExtension("posix-rename@openssh.com"); ok {
				return struct{}{}, sftpError(op, s.c.PosixRename(oldpath, newpath))
			}
		}
		return struct{}{}, sftpError(op, s.c.Rename(oldpath, newpath))
	})
	return err
}

func (s *sftpFS) Unlink(path string) error {
	return s.pathOp("unlink", path, s.c.Remove)
}

func (s *sftpFS) Mkdir(path string, perm fs.FileMode) error {
	const op = "mkdir"
	_, err := poll(s.b, &s.calls, op, key(op, path, uint32(perm)), engine.Read, func() (struct{}, error) {
		if err := s.c.Mkdir(path); err != nil {
			return struct{}{}, sftpError(op, err)
		}
		if perm != 0 {
			return struct{}{}, sftpError(op, s.c.Chmod(path, perm))
		}
		return struct{}{}, nil
	})
	return err
}

func (s *sftpFS) Rmdir(path string) error {
	return s.pathOp("rmdir", path, s.c.RemoveDirectory)
}

func (s *sftpFS) pathOp(op, path string, fn func(string) error) error {
	_, err := poll(s.b, &s.calls, op, key(op, path), engine.Read, func() (struct{}, error) {
		return struct{}{}, sftpError(op, fn(path))
	})
	return err
}

func (s *sftpFS) Symlink(oldname, newname string) error {
	const op = "symlink"
	_, err := poll(s.b, &s.calls, op, key(op, oldname, newname), engine.Read, func() (struct{}, error) {
		return struct{}{}, sftpError(op, s.c.Symlink(oldname, newname))
	})
	return err
}

func (s *sftpFS) Readlink(path string) (string, error) {
	const op = "readlink"
	return poll(s.b, &s.calls, op, key(op, path), engine.Read, func() (string, error) {
		target, err := s.c.ReadLink(path)
		return target, sftpError(op, err)
	})
}

func (s *sftpFS) Realpath(path string) (string, error) {
	const op = "realpath"
	return poll(s.b, &s.calls, op, key(op, path), engine.Read, func() (string, error) {
		abs, err := s.c.RealPath(path)
		return abs, sftpError(op, err)
	})
}

func (s *sftpFS) StatVFS(path string) (*engine.StatVFS, error) {
	const op = "statvfs"
	return poll(s.b, &s.calls, op, key(op, path), engine.Read, func() (*engine.StatVFS, error) {
		st, err := s.c.StatVFS(path)
		if err != nil {
			return nil, sftpError(op, err)
		}
		return &engine.StatVFS{
			Bsize:   st.Bsize,
			Frsize:  st.Frsize,
			Blocks:  st.Blocks,
			Bfree:   st.Bfree,
			Bavail:  st.Bavail,
			Files:   st.Files,
			Ffree:   st.Ffree,
			Favail:  st.Favail,
			Fsid:    st.Fsid,
			Flag:    st.Flag,
			Namemax: st.Namemax,
		}, nil
	})
}

func (s *sftpFS) Walk(root string) (engine.Walker, error) {
	return &sftpWalker{b: s.b, w: s.c.Walk(root)}, nil
}

func (s *sftpFS) Close() error {
	const op = "sftp close"
	_, err := poll(s.b, &s.calls, op, op, engine.Write, func() (struct{}, error) {
		if err := s.c.Close(); err != nil && !errors.Is(err, io.EOF) {
			return struct{}{}, sftpError(op, err)
		}
		return struct{}{}, nil
	})
	return err
}

type sftpFile struct {
	b     *Bridge
	c     *sftp.Client
	f     *sftp.File
	calls calls
}

var _ engine.File = (*sftpFile)(nil)

func (f *sftpFile) Read(p []byte) (int, error) {
	const op = "read"
	r, err := poll(f.b, &f.calls, op, key(op, len(p)), engine.Read, func() (chunk, error) {
		buf := f.b.buffer(len(p))
		n, err := f.f.Read(buf)
		return chunk{buf, n}, err
	})
	if r.buf != nil {
		copy(p, r.buf[:r.n])
		f.b.release(r.buf)
	}
	if err == io.EOF && r.n > 0 {
		return r.n, nil
	}
	return r.n, sftpReadError(op, err)
}

func (f *sftpFile) Write(p []byte) (int, error) {
	const op = "write"
	data := append([]byte(nil), p...)
	return poll(f.b, &f.calls, op, key(op, p), engine.Write, func() (int, error) {
		n, err := f.f.Write(data)
		return n, sftpError(op, err)
	})
}

func (f *sftpFile) Seek(offset int64, whence int) (int64, error) {
	const op = "seek"
	return poll(f.b, &f.calls, op, key(op, offset, whence), engine.Read, func() (int64, error) {
		off, err := f.f.Seek(offset, whence)
		return off, sftpError(op, err)
	})
}

func (f *sftpFile) Stat() (engine.FileStat, error) {
	const op = "fstat"
	return poll(f.b, &f.calls, op, op, engine.Read, func() (engine.FileStat, error) {
		fi, err := f.f.Stat()
		if err != nil {
			return engine.FileStat{}, sftpError(op, err)
		}
		return statFromInfo(fi), nil
	})
}

func (f *sftpFile) Setstat(st engine.FileStat) error {
	const op = "fsetstat"
	_, err := poll(f.b, &f.calls, op, statKey(op, st), engine.Read, func() (struct{}, error) {
		return struct{}{}, sftpError(op, setstat(st, setters{
			chmod:    f.f.Chmod,
			chown:    f.f.Chown,
			truncate: f.f.Truncate,
			// pkg/sftp has no fsetstat for times; set them by name.
			chtimes: func(a, m time.Time) error { return f.c.Chtimes(f.f.Name(), a, m) },
		}))
	})
	return err
}

func (f *sftpFile) Fsync() error {
	const op = "fsync"
	_, err := poll(f.b, &f.calls, op, op, engine.Write, func() (struct{}, error) {
		return struct{}{}, sftpError(op, f.f.Sync())
	})
	return err
}

func (f *sftpFile) Close() error {
	const op = "close"
	_, err := poll(f.b, &f.calls, op, op, engine.Write, func() (struct{}, error) {
		return struct{}{}, sftpError(op, f.f.Close())
	})
	return err
}

// sftpDir yields entries fetched in full when the directory was opened.
type sftpDir struct {
	infos []os.FileInfo
	next  int
}

var _ engine.Dir = (*sftpDir)(nil)

func (d *sftpDir) Next() (string, engine.FileStat, error) {
	if d.next >= len(d.infos) {
		return "", engine.FileStat{}, io.EOF
	}
	fi := d.infos[d.next]
	d.next++
	return fi.Name(), statFromInfo(fi), nil
}

func (d *sftpDir) Close() error {
	d.infos, d.next = nil, 0
	return nil
}

// sftpWalker steps a kr/fs walker, which reads each directory as it
// descends into it.
type sftpWalker struct {
	b     *Bridge
	w     *kfs.Walker
	calls calls
	done  bool
}

var _ engine.Walker = (*sftpWalker)(nil)

func (w *sftpWalker) Step() error {
	const op = "walk"
	if w.done {
		return io.EOF
	}
	more, err := poll(w.b, &w.calls, op, op, engine.Read, func() (bool, error) {
		return w.w.Step(), nil
	})
	if err != nil {
		return err
	}
	if !more {
		w.done = true
		return io.EOF
	}
	return nil
}

func (w *sftpWalker) Path() string { return w.w.Path() }

func (w *sftpWalker) Stat() engine.FileStat {
	fi := w.w.Stat()
	if fi == nil {
		return engine.FileStat{}
	}
	return statFromInfo(fi)
}

func (w *sftpWalker) Err() error { return sftpError("walk", w.w.Err()) }

func (w *sftpWalker) SkipDir() { w.w.SkipDir() }
