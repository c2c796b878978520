package sshaio

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pkg/sshaio/engine"
)

// SFTP is the SFTP subsystem of a Session.
//
// Closing the SFTP invalidates every File, Dir and Walker opened through it.
type SFTP struct {
	c    *conn
	life *lifetime
	fs   engine.SFTP
}

// Open opens path with the given flags. perm is used when the file is created.
func (s *SFTP) Open(ctx context.Context, name string, flags engine.OpenFlags, perm fs.FileMode) (*File, error) {
	f, err := call(ctx, s.c, s.life, "open", func() (engine.File, error) {
		return s.fs.Open(name, flags, perm)
	})
	if err != nil {
		return nil, wrapPathError("open", name, err)
	}
	return &File{
		c:    s.c,
		life: newLifetime(s.life),
		f:    f,
		name: name,
	}, nil
}

// OpenFile is Open with os.OpenFile flags.
func (s *SFTP) OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (*File, error) {
	return s.Open(ctx, name, engine.FromOSFlags(flag), perm)
}

// Create creates or truncates the named file, opened for reading and writing.
func (s *SFTP) Create(ctx context.Context, name string) (*File, error) {
	return s.OpenFile(ctx, name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenDir opens a directory for reading its entries.
func (s *SFTP) OpenDir(ctx context.Context, name string) (*Dir, error) {
	d, err := call(ctx, s.c, s.life, "opendir", func() (engine.Dir, error) {
		return s.fs.OpenDir(name)
	})
	if err != nil {
		return nil, wrapPathError("opendir", name, err)
	}
	return &Dir{
		c:    s.c,
		life: newLifetime(s.life),
		d:    d,
		name: name,
	}, nil
}

// ReadDir reads the named directory,
// returning all its directory entries sorted by filename.
// The "." and ".." entries are omitted.
func (s *SFTP) ReadDir(ctx context.Context, name string) ([]fs.DirEntry, error) {
	d, err := s.OpenDir(ctx, name)
	if err != nil {
		return nil, err
	}
	defer d.Close(ctx)

	var entries []fs.DirEntry
	for ent, err := range d.All(ctx) {
		if err != nil {
			return entries, err
		}
		if ent.Name() == "." || ent.Name() == ".." {
			continue
		}
		entries = append(entries, ent)
	}

	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})

	return entries, nil
}

// Stat returns a FileInfo describing the named file, following symbolic links.
// Its Sys method returns an engine.FileStat.
func (s *SFTP) Stat(ctx context.Context, name string) (fs.FileInfo, error) {
	st, err := call(ctx, s.c, s.life, "stat", func() (engine.FileStat, error) {
		return s.fs.Stat(name)
	})
	if err != nil {
		return nil, wrapPathError("stat", name, err)
	}
	return st.FileInfo(path.Base(name)), nil
}

// Lstat returns a FileInfo describing the named file without following
// symbolic links.
func (s *SFTP) Lstat(ctx context.Context, name string) (fs.FileInfo, error) {
	st, err := call(ctx, s.c, s.life, "lstat", func() (engine.FileStat, error) {
		return s.fs.Lstat(name)
	})
	if err != nil {
		return nil, wrapPathError("lstat", name, err)
	}
	return st.FileInfo(path.Base(name)), nil
}

// Setstat applies the attributes of st that are flagged present.
func (s *SFTP) Setstat(ctx context.Context, name string, st engine.FileStat) error {
	err := exec(ctx, s.c, s.life, "setstat", func() error {
		return s.fs.Setstat(name, st)
	})
	return wrapPathError("setstat", name, err)
}

// Chmod changes the permissions of the named file.
func (s *SFTP) Chmod(ctx context.Context, name string, mode fs.FileMode) error {
	return s.Setstat(ctx, name, engine.FileStat{Flags: engine.AttrPermissions, Mode: mode})
}

// Chtimes changes the access and modification times of the named file.
func (s *SFTP) Chtimes(ctx context.Context, name string, atime, mtime time.Time) error {
	return s.Setstat(ctx, name, engine.FileStat{Flags: engine.AttrACModTime, Atime: atime, Mtime: mtime})
}

// Truncate changes the size of the named file.
func (s *SFTP) Truncate(ctx context.Context, name string, size int64) error {
	if size < 0 {
		return wrapPathError("truncate", name, fs.ErrInvalid)
	}
	return s.Setstat(ctx, name, engine.FileStat{Flags: engine.AttrSize, Size: uint64(size)})
}

// Rename renames oldpath to newpath. Zero flags ask for overwrite, atomic
// and native semantics.
func (s *SFTP) Rename(ctx context.Context, oldpath, newpath string, flags engine.RenameFlags) error {
	if flags == 0 {
		flags = engine.RenameOverwrite | engine.RenameAtomic | engine.RenameNative
	}
	err := exec(ctx, s.c, s.life, "rename", func() error {
		return s.fs.Rename(oldpath, newpath, flags)
	})
	return wrapLinkError("rename", oldpath, newpath, err)
}

// Unlink removes the named file.
func (s *SFTP) Unlink(ctx context.Context, name string) error {
	err := exec(ctx, s.c, s.life, "unlink", func() error {
		return s.fs.Unlink(name)
	})
	return wrapPathError("unlink", name, err)
}

// Mkdir creates the named directory.
func (s *SFTP) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	err := exec(ctx, s.c, s.life, "mkdir", func() error {
		return s.fs.Mkdir(name, perm)
	})
	return wrapPathError("mkdir", name, err)
}

// Rmdir removes the named empty directory.
func (s *SFTP) Rmdir(ctx context.Context, name string) error {
	err := exec(ctx, s.c, s.life, "rmdir", func() error {
		return s.fs.Rmdir(name)
	})
	return wrapPathError("rmdir", name, err)
}

// Symlink creates newname as a symbolic link to oldname.
func (s *SFTP) Symlink(ctx context.Context, oldname, newname string) error {
	err := exec(ctx, s.c, s.life, "symlink", func() error {
		return s.fs.Symlink(oldname, newname)
	})
	return wrapLinkError("symlink", oldname, newname, err)
}

// Readlink returns the destination of the named symbolic link.
func (s *SFTP) Readlink(ctx context.Context, name string) (string, error) {
	target, err := call(ctx, s.c, s.life, "readlink", func() (string, error) {
		return s.fs.Readlink(name)
	})
	return target, wrapPathError("readlink", name, err)
}

// Realpath returns the canonical absolute form of name on the server.
func (s *SFTP) Realpath(ctx context.Context, name string) (string, error) {
	abs, err := call(ctx, s.c, s.life, "realpath", func() (string, error) {
		return s.fs.Realpath(name)
	})
	return abs, wrapPathError("realpath", name, err)
}

// StatVFS returns information about the filesystem holding name.
// The server must support the statvfs@openssh.com extension.
func (s *SFTP) StatVFS(ctx context.Context, name string) (*engine.StatVFS, error) {
	st, err := call(ctx, s.c, s.life, "statvfs", func() (*engine.StatVFS, error) {
		return s.fs.StatVFS(name)
	})
	if err != nil {
		return nil, wrapPathError("statvfs", name, err)
	}
	return st, nil
}

// Walk returns a Walker over the tree rooted at root.
func (s *SFTP) Walk(ctx context.Context, root string) (*Walker, error) {
	w, err := call(ctx, s.c, s.life, "walk", func() (engine.Walker, error) {
		return s.fs.Walk(root)
	})
	if err != nil {
		return nil, wrapPathError("walk", root, err)
	}
	return &Walker{
		c:    s.c,
		life: newLifetime(s.life),
		w:    w,
	}, nil
}

// ReadFile reads the named file and returns its contents.
func (s *SFTP) ReadFile(ctx context.Context, name string) ([]byte, error) {
	f, err := s.Open(ctx, name, engine.OpenRead, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)

	return io.ReadAll(f.IO(ctx))
}

// WriteFile writes data to the named file, creating it with perm if
// necessary, and truncating it otherwise.
func (s *SFTP) WriteFile(ctx context.Context, name string, data []byte, perm fs.FileMode) error {
	f, err := s.Open(ctx, name, engine.OpenWrite|engine.OpenCreate|engine.OpenTruncate, perm)
	if err != nil {
		return err
	}

	_, err = f.IO(ctx).Write(data)
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// Close shuts down the SFTP subsystem and invalidates its handles.
func (s *SFTP) Close(ctx context.Context) error {
	if s.life.isClosed() {
		return nil
	}
	err := execClosing(ctx, s.c, s.life, "sftp close", s.fs.Close)
	if err != nil && s.life.invalidated() {
		return err
	}
	s.life.close()
	return err
}

// File is an open remote file.
type File struct {
	c    *conn
	life *lifetime
	f    engine.File
	name string
}

// Name returns the name of the file as given to Open.
func (f *File) Name() string { return f.name }

// Read reads up to len(p) bytes from the current offset.
// At end of file it returns 0, io.EOF.
func (f *File) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, f.life.check("read")
	}
	n, err := call(ctx, f.c, f.life, "read", func() (int, error) {
		return f.f.Read(p)
	})
	if errors.Is(err, io.EOF) {
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	return n, wrapPathError("read", f.name, err)
}

// Write writes up to len(p) bytes at the current offset.
func (f *File) Write(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, f.life.check("write")
	}
	n, err := call(ctx, f.c, f.life, "write", func() (int, error) {
		return f.f.Write(p)
	})
	return n, wrapPathError("write", f.name, err)
}

// Seek sets the offset for the next Read or Write, as io.Seeker.
func (f *File) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	off, err := call(ctx, f.c, f.life, "seek", func() (int64, error) {
		return f.f.Seek(offset, whence)
	})
	return off, wrapPathError("seek", f.name, err)
}

// Stat returns the attributes of the open file.
func (f *File) Stat(ctx context.Context) (fs.FileInfo, error) {
	st, err := call(ctx, f.c, f.life, "fstat", f.f.Stat)
	if err != nil {
		return nil, wrapPathError("fstat", f.name, err)
	}
	return st.FileInfo(path.Base(f.name)), nil
}

// Setstat applies the attributes of st that are flagged present.
func (f *File) Setstat(ctx context.Context, st engine.FileStat) error {
	err := exec(ctx, f.c, f.life, "fsetstat", func() error {
		return f.f.Setstat(st)
	})
	return wrapPathError("fsetstat", f.name, err)
}

// Fsync asks the server to flush the file to stable storage.
func (f *File) Fsync(ctx context.Context) error {
	err := exec(ctx, f.c, f.life, "fsync", f.f.Fsync)
	return wrapPathError("fsync", f.name, err)
}

// Close closes the file handle.
func (f *File) Close(ctx context.Context) error {
	if f.life.isClosed() {
		return nil
	}
	err := execClosing(ctx, f.c, f.life, "close", f.f.Close)
	if err != nil && f.life.invalidated() {
		return err
	}
	f.life.close()
	return wrapPathError("close", f.name, err)
}

// IO returns an io.ReadWriteSeeker over the file whose calls use ctx.
// Write writes all of p.
func (f *File) IO(ctx context.Context) io.ReadWriteSeeker {
	return &fileIO{f: f, ctx: ctx}
}

type fileIO struct {
	f   *File
	ctx context.Context
}

func (r *fileIO) Read(p []byte) (int, error) {
	return r.f.Read(r.ctx, p)
}

func (r *fileIO) Write(p []byte) (int, error) {
	var written int
	for written < len(p) {
		n, err := r.f.Write(r.ctx, p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

func (r *fileIO) Seek(offset int64, whence int) (int64, error) {
	return r.f.Seek(r.ctx, offset, whence)
}

// DirEntry is one entry read from a directory, with the attributes the
// server sent along with its name.
type DirEntry struct {
	name string
	stat engine.FileStat
}

// Name returns the base name of the entry.
func (e DirEntry) Name() string { return e.name }

// Attrs returns the attributes the server sent for the entry.
func (e DirEntry) Attrs() engine.FileStat { return e.stat }

// IsDir reports whether the entry describes a directory.
func (e DirEntry) IsDir() bool { return e.stat.IsDir() }

// Type returns the type bits for the entry.
func (e DirEntry) Type() fs.FileMode { return e.stat.Mode.Type() }

// Info returns the FileInfo for the entry. It never fails.
func (e DirEntry) Info() (fs.FileInfo, error) { return e.stat.FileInfo(e.name), nil }

func (e DirEntry) String() string { return fs.FormatDirEntry(e) }

// Dir is an open remote directory. Entries are produced one at a time,
// each taking at most one engine round trip.
type Dir struct {
	c    *conn
	life *lifetime
	d    engine.Dir
	name string

	mu        sync.Mutex
	exhausted bool
}

// Next returns the next entry. Once the directory is exhausted it returns
// io.EOF, on every later call as well, without consulting the engine.
func (d *Dir) Next(ctx context.Context) (DirEntry, error) {
	d.mu.Lock()
	done := d.exhausted
	d.mu.Unlock()

	if done {
		if err := d.life.check("readdir"); err != nil {
			return DirEntry{}, err
		}
		return DirEntry{}, io.EOF
	}

	ent, err := call(ctx, d.c, d.life, "readdir", func() (DirEntry, error) {
		name, st, err := d.d.Next()
		return DirEntry{name: name, stat: st}, err
	})
	if errors.Is(err, io.EOF) {
		d.mu.Lock()
		d.exhausted = true
		d.mu.Unlock()
		return DirEntry{}, io.EOF
	}
	if err != nil {
		return DirEntry{}, wrapPathError("readdir", d.name, err)
	}
	return ent, nil
}

// All returns an iterator over the remaining entries. The iteration stops
// at the end of the directory, or after yielding the first error.
func (d *Dir) All(ctx context.Context) iter.Seq2[DirEntry, error] {
	return func(yield func(DirEntry, error) bool) {
		for {
			ent, err := d.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ent, err) || err != nil {
				return
			}
		}
	}
}

// Close closes the directory handle.
func (d *Dir) Close(ctx context.Context) error {
	if d.life.isClosed() {
		return nil
	}
	err := execClosing(ctx, d.c, d.life, "closedir", d.d.Close)
	if err != nil && d.life.invalidated() {
		return err
	}
	d.life.close()
	return wrapPathError("closedir", d.name, err)
}

// Walker walks a remote file tree in lexical order, one entry per Step.
//
//	w, err := client.Walk(ctx, "/srv")
//	for err == nil {
//		if err = w.Step(ctx); err != nil {
//			break
//		}
//		...
//	}
type Walker struct {
	c    *conn
	life *lifetime
	w    engine.Walker
}

// Step advances to the next entry. It returns io.EOF when the walk is done,
// and on every later call.
func (w *Walker) Step(ctx context.Context) error {
	return exec(ctx, w.c, w.life, "walk", w.w.Step)
}

// Path returns the path of the current entry.
func (w *Walker) Path() string {
	var p string
	w.c.do(func() { p = w.w.Path() })
	return p
}

// Stat returns the attributes of the current entry.
func (w *Walker) Stat() fs.FileInfo {
	var st engine.FileStat
	var p string
	w.c.do(func() {
		st = w.w.Stat()
		p = w.w.Path()
	})
	return st.FileInfo(path.Base(p))
}

// Err returns the error, if any, reading the current entry.
func (w *Walker) Err() error {
	var err error
	w.c.do(func() { err = w.w.Err() })
	return err
}

// SkipDir prevents the walk from descending into the current directory.
func (w *Walker) SkipDir() {
	w.c.do(w.w.SkipDir)
}
