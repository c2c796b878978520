package enginetest

import (
	"io/fs"

	"github.com/pkg/sshaio/engine"
)

// sftpFS runs the scripts for SFTP operations in front of a real pkg/sftp
// client and in-memory server, bridged the way xssh bridges them.
type sftpFS struct {
	e  *Engine
	h  handle
	fs engine.SFTP
}

func (s *sftpFS) Open(path string, flags engine.OpenFlags, perm fs.FileMode) (engine.File, error) {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.Open", path, uint32(flags), uint32(perm)); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(path, flags, perm)
	if err != nil {
		return nil, err
	}
	return &file{e: s.e, f: f}, nil
}

func (s *sftpFS) OpenDir(path string) (engine.Dir, error) {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.OpenDir", path); err != nil {
		return nil, err
	}
	d, err := s.fs.OpenDir(path)
	if err != nil {
		return nil, err
	}
	return &dir{e: s.e, d: d}, nil
}

func (s *sftpFS) Stat(path string) (engine.FileStat, error) {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.Stat", path); err != nil {
		return engine.FileStat{}, err
	}
	return s.fs.Stat(path)
}

func (s *sftpFS) Lstat(path string) (engine.FileStat, error) {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.Lstat", path); err != nil {
		return engine.FileStat{}, err
	}
	return s.fs.Lstat(path)
}

func (s *sftpFS) Setstat(path string, st engine.FileStat) error {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.Setstat", path, uint32(st.Flags)); err != nil {
		return err
	}
	return s.fs.Setstat(path, st)
}

func (s *sftpFS) Rename(oldpath, newpath string, flags engine.RenameFlags) error {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.Rename", oldpath, newpath, uint32(flags)); err != nil {
		return err
	}
	return s.fs.Rename(oldpath, newpath, flags)
}

func (s *sftpFS) Unlink(path string) error {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.Unlink", path); err != nil {
		return err
	}
	return s.fs.Unlink(path)
}

func (s *sftpFS) Mkdir(path string, perm fs.FileMode) error {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.Mkdir", path, uint32(perm)); err != nil {
		return err
	}
	return s.fs.Mkdir(path, perm)
}

func (s *sftpFS) Rmdir(path string) error {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.Rmdir", path); err != nil {
		return err
	}
	return s.fs.Rmdir(path)
}

func (s *sftpFS) Symlink(oldname, newname string) error {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.Symlink", oldname, newname); err != nil {
		return err
	}
	return s.fs.Symlink(oldname, newname)
}

func (s *sftpFS) Readlink(path string) (string, error) {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.Readlink", path); err != nil {
		return "", err
	}
	return s.fs.Readlink(path)
}

func (s *sftpFS) Realpath(path string) (string, error) {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.Realpath", path); err != nil {
		return "", err
	}
	return s.fs.Realpath(path)
}

func (s *sftpFS) StatVFS(path string) (*engine.StatVFS, error) {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.StatVFS", path); err != nil {
		return nil, err
	}
	return s.fs.StatVFS(path)
}

func (s *sftpFS) Walk(root string) (engine.Walker, error) {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.Walk", root); err != nil {
		return nil, err
	}
	w, err := s.fs.Walk(root)
	if err != nil {
		return nil, err
	}
	return &walker{e: s.e, w: w}, nil
}

func (s *sftpFS) Close() error {
	defer s.e.enter()()
	if err := s.e.step(&s.h, "SFTP.Close"); err != nil {
		return err
	}
	return s.fs.Close()
}

type file struct {
	e *Engine
	h handle
	f engine.File
}

func (f *file) Read(p []byte) (int, error) {
	defer f.e.enter()()
	if err := f.e.step(&f.h, "File.Read", len(p)); err != nil {
		return 0, err
	}
	return f.f.Read(p)
}

func (f *file) Write(p []byte) (int, error) {
	defer f.e.enter()()
	if err := f.e.step(&f.h, "File.Write", p); err != nil {
		return 0, err
	}
	return f.f.Write(p)
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	defer f.e.enter()()
	if err := f.e.step(&f.h, "File.Seek", offset, whence); err != nil {
		return 0, err
	}
	return f.f.Seek(offset, whence)
}

func (f *file) Stat() (engine.FileStat, error) {
	defer f.e.enter()()
	if err := f.e.step(&f.h, "File.Stat"); err != nil {
		return engine.FileStat{}, err
	}
	return f.f.Stat()
}

func (f *file) Setstat(st engine.FileStat) error {
	defer f.e.enter()()
	if err := f.e.step(&f.h, "File.Setstat", uint32(st.Flags)); err != nil {
		return err
	}
	return f.f.Setstat(st)
}

func (f *file) Fsync() error {
	defer f.e.enter()()
	if err := f.e.step(&f.h, "File.Fsync"); err != nil {
		return err
	}
	return f.f.Fsync()
}

func (f *file) Close() error {
	defer f.e.enter()()
	if err := f.e.step(&f.h, "File.Close"); err != nil {
		return err
	}
	return f.f.Close()
}

type dir struct {
	e *Engine
	h handle
	d engine.Dir
}

func (d *dir) Next() (string, engine.FileStat, error) {
	defer d.e.enter()()
	if err := d.e.step(&d.h, "Dir.Next"); err != nil {
		return "", engine.FileStat{}, err
	}
	return d.d.Next()
}

func (d *dir) Close() error {
	defer d.e.enter()()
	if err := d.e.step(&d.h, "Dir.Close"); err != nil {
		return err
	}
	return d.d.Close()
}

type walker struct {
	e *Engine
	h handle
	w engine.Walker
}

func (w *walker) Step() error {
	defer w.e.enter()()
	if err := w.e.step(&w.h, "Walker.Step"); err != nil {
		return err
	}
	return w.w.Step()
}

func (w *walker) Path() string {
	defer w.e.enter()()
	return w.w.Path()
}

func (w *walker) Stat() engine.FileStat {
	defer w.e.enter()()
	return w.w.Stat()
}

func (w *walker) Err() error {
	defer w.e.enter()()
	return w.w.Err()
}

func (w *walker) SkipDir() {
	defer w.e.enter()()
	w.w.SkipDir()
}
