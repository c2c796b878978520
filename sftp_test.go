package sshaio

import (
	"bytes"
	"crypto/rand"
	"io"
	"io/fs"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/sshaio/engine"
)

func openSFTP(t *testing.T) (*SFTP, *Session) {
	t.Helper()

	s, _ := readySession(t)
	client, err := s.SFTP(testContext(t))
	require.NoError(t, err)
	return client, s
}

func TestSFTPRoundTrip(t *testing.T) {
	client, _ := openSFTP(t)
	ctx := testContext(t)

	want := make([]byte, 1024)
	_, err := rand.Read(want)
	require.NoError(t, err)

	f, err := client.Open(ctx, "/test.txt", engine.OpenWrite|engine.OpenCreate|engine.OpenTruncate, 0o644)
	require.NoError(t, err)
	assert.Equal(t, "/test.txt", f.Name())

	n, err := f.IO(ctx).Write(want)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	require.NoError(t, f.Close(ctx))

	f, err = client.Open(ctx, "/test.txt", engine.OpenRead, 0)
	require.NoError(t, err)
	defer f.Close(ctx)

	got, err := io.ReadAll(f.IO(ctx))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// end of file is a definite result, repeated on every later read
	n, err = f.Read(ctx, make([]byte, 8))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSFTPReadDir(t *testing.T) {
	client, _ := openSFTP(t)
	ctx := testContext(t)

	require.NoError(t, client.Mkdir(ctx, "/dir", 0))
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, client.WriteFile(ctx, "/dir/"+name, []byte(name), 0o644))
	}

	entries, err := client.ReadDir(ctx, "/dir")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, name := range []string{"a", "b", "c"} {
		assert.Equal(t, name, entries[i].Name())
		assert.False(t, entries[i].IsDir())

		info, err := entries[i].Info()
		require.NoError(t, err)
		assert.EqualValues(t, 1, info.Size())
	}

	_, err = client.ReadDir(ctx, "/missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestSFTPDirExhaustionIsIdempotent(t *testing.T) {
	s, eng := readySession(t)
	ctx := testContext(t)

	client, err := s.SFTP(ctx)
	require.NoError(t, err)

	require.NoError(t, client.WriteFile(ctx, "/one", []byte("1"), 0o644))
	require.NoError(t, client.WriteFile(ctx, "/two", []byte("2"), 0o644))

	d, err := client.OpenDir(ctx, "/")
	require.NoError(t, err)

	eng.Block("Dir.Next", 2, engine.Read)

	var names []string
	for {
		ent, err := d.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, ent.Name())
	}
	assert.ElementsMatch(t, []string{"one", "two"}, names)

	// two blocked attempts, one call per entry, one for the end
	calls := len(eng.Calls("Dir.Next"))
	assert.Equal(t, 2+len(names)+1, calls)

	for range 3 {
		_, err := d.Next(ctx)
		assert.Equal(t, io.EOF, err)
	}
	assert.Len(t, eng.Calls("Dir.Next"), calls)

	require.NoError(t, d.Close(ctx))
	assert.NoError(t, d.Close(ctx))
	_, err = d.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSFTPDirAll(t *testing.T) {
	client, _ := openSFTP(t)
	ctx := testContext(t)

	require.NoError(t, client.Mkdir(ctx, "/d", 0))
	require.NoError(t, client.WriteFile(ctx, "/d/x", nil, 0o644))

	d, err := client.OpenDir(ctx, "/d")
	require.NoError(t, err)
	defer d.Close(ctx)

	var names []string
	for ent, err := range d.All(ctx) {
		require.NoError(t, err)
		names = append(names, ent.Name())
		assert.Contains(t, ent.String(), "x")
	}
	assert.Equal(t, []string{"x"}, names)
}

func TestSFTPStat(t *testing.T) {
	client, _ := openSFTP(t)
	ctx := testContext(t)

	require.NoError(t, client.WriteFile(ctx, "/f", []byte("hello"), 0o600))

	fi, err := client.Stat(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, "f", fi.Name())
	assert.EqualValues(t, 5, fi.Size())
	assert.True(t, fi.Mode().IsRegular())

	st, ok := fi.Sys().(engine.FileStat)
	require.True(t, ok)
	assert.True(t, st.Has(engine.AttrSize))

	require.NoError(t, client.Symlink(ctx, "/f", "/link"))
	target, err := client.Readlink(ctx, "/link")
	require.NoError(t, err)
	assert.Equal(t, "/f", target)

	li, err := client.Lstat(ctx, "/link")
	require.NoError(t, err)
	assert.Equal(t, fs.ModeSymlink, li.Mode().Type())

	fi, err = client.Stat(ctx, "/link")
	require.NoError(t, err)
	assert.EqualValues(t, 5, fi.Size())

	_, err = client.Stat(ctx, "/nope")
	var perr *fs.PathError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "stat", perr.Op)
	assert.Equal(t, "/nope", perr.Path)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestSFTPFileOps(t *testing.T) {
	client, _ := openSFTP(t)
	ctx := testContext(t)

	f, err := client.Create(ctx, "/data")
	require.NoError(t, err)
	defer f.Close(ctx)

	_, err = f.IO(ctx).Write([]byte("0123456789"))
	require.NoError(t, err)

	off, err := f.Seek(ctx, 2, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 2, off)

	buf := make([]byte, 3)
	n, err := f.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "234", string(buf[:n]))

	fi, err := f.Stat(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, fi.Size())
	assert.Equal(t, "data", fi.Name())

	require.NoError(t, f.Setstat(ctx, engine.FileStat{Flags: engine.AttrSize, Size: 4}))
	fi, err = f.Stat(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, fi.Size())

	require.NoError(t, client.Truncate(ctx, "/data", 1))
	fi, err = client.Stat(ctx, "/data")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fi.Size())

	assert.Error(t, client.Truncate(ctx, "/data", -1))
	assert.NoError(t, client.Chmod(ctx, "/data", 0o600))

	// the in-memory server has no fsync extension
	err = f.Fsync(ctx)
	var perr *fs.PathError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "fsync", perr.Op)
	assert.ErrorIs(t, err, engine.StatusOpUnsupported)
}

func TestSFTPNamespace(t *testing.T) {
	client, _ := openSFTP(t)
	ctx := testContext(t)

	require.NoError(t, client.WriteFile(ctx, "/old", []byte("x"), 0o644))
	require.NoError(t, client.Rename(ctx, "/old", "/new", 0))

	_, err := client.Stat(ctx, "/old")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	data, err := client.ReadFile(ctx, "/new")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	require.NoError(t, client.Unlink(ctx, "/new"))
	err = client.Unlink(ctx, "/new")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	require.NoError(t, client.Mkdir(ctx, "/tmp", 0))
	fi, err := client.Stat(ctx, "/tmp")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	require.NoError(t, client.Rmdir(ctx, "/tmp"))
	_, err = client.Stat(ctx, "/tmp")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	abs, err := client.Realpath(ctx, "/a/../b")
	require.NoError(t, err)
	assert.Equal(t, "/b", abs)
}

func TestSFTPStatVFS(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("the in-memory server reports statvfs only on linux and darwin")
	}

	s, eng := readySession(t)
	ctx := testContext(t)

	client, err := s.SFTP(ctx)
	require.NoError(t, err)

	eng.Block("SFTP.StatVFS", 1, engine.Read)
	st, err := client.StatVFS(ctx, "/")
	require.NoError(t, err)
	assert.Len(t, eng.Calls("SFTP.StatVFS"), 2)

	assert.NotZero(t, st.Bsize)
	assert.NotZero(t, st.Namemax)
	assert.Equal(t, st.Frsize*st.Blocks, st.TotalSpace())
	assert.LessOrEqual(t, st.FreeSpace(), st.TotalSpace())

	require.NoError(t, client.Close(ctx))
	_, err = client.StatVFS(ctx, "/")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSFTPWalk(t *testing.T) {
	client, _ := openSFTP(t)
	ctx := testContext(t)

	require.NoError(t, client.Mkdir(ctx, "/w", 0))
	require.NoError(t, client.Mkdir(ctx, "/w/sub", 0))
	require.NoError(t, client.WriteFile(ctx, "/w/a", nil, 0o644))
	require.NoError(t, client.WriteFile(ctx, "/w/sub/b", nil, 0o644))
	require.NoError(t, client.Mkdir(ctx, "/w/skip", 0))
	require.NoError(t, client.WriteFile(ctx, "/w/skip/c", nil, 0o644))

	w, err := client.Walk(ctx, "/w")
	require.NoError(t, err)

	var paths []string
	for {
		err := w.Step(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, w.Err())

		paths = append(paths, w.Path())
		if w.Path() == "/w/skip" {
			assert.True(t, w.Stat().IsDir())
			w.SkipDir()
		}
	}
	assert.Equal(t, []string{"/w", "/w/a", "/w/skip", "/w/sub", "/w/sub/b"}, paths)

	assert.Equal(t, io.EOF, w.Step(ctx))
}

func TestSFTPCloseInvalidatesHandles(t *testing.T) {
	client, s := openSFTP(t)
	ctx := testContext(t)

	require.NoError(t, client.WriteFile(ctx, "/f", []byte("data"), 0o644))
	require.NoError(t, client.WriteFile(ctx, "/kept", []byte("kept"), 0o644))

	f, err := client.Open(ctx, "/f", engine.OpenRead, 0)
	require.NoError(t, err)
	d, err := client.OpenDir(ctx, "/")
	require.NoError(t, err)

	// reads succeed any number of times before the close
	for range 3 {
		_, err := f.Seek(ctx, 0, io.SeekStart)
		require.NoError(t, err)
		_, err = f.Read(ctx, make([]byte, 2))
		require.NoError(t, err)
	}

	require.NoError(t, client.Close(ctx))
	assert.NoError(t, client.Close(ctx))

	_, err = f.Read(ctx, make([]byte, 2))
	assert.ErrorIs(t, err, ErrHandleInvalidated)
	_, err = f.Write(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrHandleInvalidated)
	_, err = d.Next(ctx)
	assert.ErrorIs(t, err, ErrHandleInvalidated)
	assert.ErrorIs(t, f.Close(ctx), ErrHandleInvalidated)

	_, err = client.Stat(ctx, "/f")
	assert.ErrorIs(t, err, ErrClosed)

	// the session outlives its SFTP subsystem; /f was open when the subsystem
	// dropped, so the server no longer serves it
	other, err := s.SFTP(ctx)
	require.NoError(t, err)
	data, err := other.ReadFile(ctx, "/kept")
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("kept"), data))
}

func TestSFTPInvalidatedBySession(t *testing.T) {
	client, s := openSFTP(t)
	ctx := testContext(t)

	f, err := client.Create(ctx, "/g")
	require.NoError(t, err)

	require.NoError(t, s.Close())

	_, err = f.Write(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrHandleInvalidated)
	_, err = client.Stat(ctx, "/g")
	assert.ErrorIs(t, err, ErrHandleInvalidated)
	assert.ErrorIs(t, client.Close(ctx), ErrHandleInvalidated)
}
