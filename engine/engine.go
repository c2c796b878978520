package engine

import (
	"io/fs"
	"net"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Channel stream ids.
const (
	// StreamData is the primary data stream of a channel.
	StreamData = 0
	// StreamStderr is the extended-data stream SSH_EXTENDED_DATA_STDERR.
	StreamStderr = 1
)

// Session is one SSH connection inside an engine.
//
// Methods documented as "may block" return ErrWouldBlock when they cannot
// complete without waiting on the transport.
type Session interface {
	// SetTransport binds the connected transport. It does not block.
	SetTransport(conn net.Conn) error

	// Handshake runs the protocol version exchange and key exchange. May block.
	Handshake() error

	// HostKey returns the server host key once the handshake completed, else nil.
	HostKey() ssh.PublicKey

	// Banner returns the authentication banner sent by the server, if any.
	Banner() string

	// AuthMethods lists the methods the server accepts for user. May block.
	AuthMethods(user string) ([]string, error)

	// AuthPassword attempts password authentication. May block.
	// A rejection is an *Error with CodeAuthFailed.
	AuthPassword(user, password string) error

	// AuthPublicKey attempts public key authentication with signer. May block.
	AuthPublicKey(user string, signer ssh.Signer) error

	// AuthAgent attempts every identity held by the SSH agent. May block.
	AuthAgent(user string) error

	// Authenticated reports whether authentication has succeeded.
	Authenticated() bool

	// Agent returns a handle to the local SSH agent. It does not connect.
	Agent() (Agent, error)

	// OpenChannel opens a channel of the given type. May block.
	OpenChannel(kind string, windowSize, packetSize uint32, extra []byte) (Channel, error)

	// OpenSession opens a "session" channel. May block.
	OpenSession() (Channel, error)

	// OpenDirectTCPIP opens a "direct-tcpip" channel to host:port. May block.
	OpenDirectTCPIP(host string, port int, srcHost string, srcPort int) (Channel, error)

	// ForwardListen asks the server to listen on host:port and forward
	// connections back. It returns the bound port. May block.
	ForwardListen(host string, port int) (Listener, int, error)

	// OpenSFTP starts the SFTP subsystem. May block.
	OpenSFTP() (SFTP, error)

	// KeepaliveSend sends a keepalive request. May block.
	KeepaliveSend() error

	// Disconnect sends SSH_MSG_DISCONNECT and closes the connection. May block.
	Disconnect(description string) error

	// BlockDirections reports which direction the most recent would-block
	// call on this session, or on any of its handles, is waiting on.
	BlockDirections() Direction

	// Close releases the connection without a protocol exchange.
	Close() error
}

// Channel is one multiplexed stream inside a Session.
type Channel interface {
	// Setenv requests an environment variable for the remote process. May block.
	Setenv(name, value string) error

	// RequestPty requests a pseudo terminal. May block.
	RequestPty(term string, width, height int, modes ssh.TerminalModes) error

	// WindowChange reports a new terminal size. May block.
	WindowChange(width, height int) error

	// Exec starts cmd on the channel. May block.
	Exec(cmd string) error

	// Shell starts the login shell on the channel. May block.
	Shell() error

	// Subsystem starts the named subsystem on the channel. May block.
	Subsystem(name string) error

	// Read reads from stream. At end of stream it returns 0, io.EOF. May block.
	Read(stream int, p []byte) (int, error)

	// Write writes to stream. May block.
	Write(stream int, p []byte) (int, error)

	// Flush discards unread data buffered for stream. May block.
	Flush(stream int) error

	// EOF reports whether the remote end has sent EOF.
	EOF() bool

	// SendEOF tells the remote end no more data will be written. May block.
	SendEOF() error

	// WaitEOF waits for the remote end to send EOF. May block.
	WaitEOF() error

	// Close sends a channel close. May block.
	Close() error

	// WaitClose waits for the remote end to close the channel. May block.
	WaitClose() error

	// ExitStatus returns the exit status reported by the remote process,
	// or 0 if none was reported.
	ExitStatus() (int, error)

	// ExitSignal returns the signal that terminated the remote process, if any.
	ExitSignal() (ExitSignal, error)
}

// ExitSignal describes the "exit-signal" channel request.
type ExitSignal struct {
	Signal     string
	CoreDumped bool
	Message    string
	Lang       string
}

// Listener accepts channels forwarded by the server.
type Listener interface {
	// Accept returns the next forwarded channel. May block.
	Accept() (Channel, error)

	// Close cancels the forwarding. May block.
	Close() error
}

// Agent is a connection to an SSH agent.
type Agent interface {
	// Connect opens the connection to the agent. May block.
	Connect() error

	// ListIdentities fetches the identities held by the agent. May block.
	ListIdentities() error

	// Identities returns the identities fetched by ListIdentities.
	Identities() ([]*agent.Key, error)

	// Userauth authenticates the session as user with identity. May block.
	Userauth(user string, identity *agent.Key) error

	// Disconnect closes the connection to the agent. May block.
	Disconnect() error
}

// SFTP is the SFTP subsystem running on one channel of a Session.
type SFTP interface {
	// Open opens path. May block.
	Open(path string, flags OpenFlags, perm fs.FileMode) (File, error)

	// OpenDir opens path for reading its entries. May block.
	OpenDir(path string) (Dir, error)

	// Stat follows symbolic links. May block.
	Stat(path string) (FileStat, error)

	// Lstat does not follow symbolic links. May block.
	Lstat(path string) (FileStat, error)

	// Setstat applies the fields of st that are flagged present. May block.
	Setstat(path string, st FileStat) error

	// Rename renames oldpath to newpath. May block.
	Rename(oldpath, newpath string, flags RenameFlags) error

	// Unlink removes a file. May block.
	Unlink(path string) error

	// Mkdir creates a directory. May block.
	Mkdir(path string, perm fs.FileMode) error

	// Rmdir removes an empty directory. May block.
	Rmdir(path string) error

	// Symlink creates newname as a symbolic link to oldname. May block.
	Symlink(oldname, newname string) error

	// Readlink returns the target of a symbolic link. May block.
	Readlink(path string) (string, error)

	// Realpath canonicalizes path on the server. May block.
	Realpath(path string) (string, error)

	// StatVFS returns information about the filesystem holding path.
	// May block.
	StatVFS(path string) (*StatVFS, error)

	// Walk starts a lexical walk of the tree rooted at root. It does not block.
	Walk(root string) (Walker, error)

	// Close shuts the subsystem down. May block.
	Close() error
}

// File is an open SFTP file handle.
type File interface {
	// Read reads from the current offset. At end of file it returns 0, io.EOF. May block.
	Read(p []byte) (int, error)

	// Write writes at the current offset. May block.
	Write(p []byte) (int, error)

	// Seek sets the offset for the next Read or Write, as io.Seeker. May block.
	Seek(offset int64, whence int) (int64, error)

	// Stat returns the attributes of the open file. May block.
	Stat() (FileStat, error)

	// Setstat applies the fields of st that are flagged present. May block.
	Setstat(st FileStat) error

	// Fsync asks the server to flush the file to stable storage. May block.
	Fsync() error

	// Close closes the handle. May block.
	Close() error
}

// Dir is an open SFTP directory handle.
type Dir interface {
	// Next returns the next entry. Once exhausted it returns io.EOF,
	// on every later call as well. May block.
	Next() (name string, st FileStat, err error)

	// Close closes the handle. May block.
	Close() error
}

// Walker walks a remote tree one entry at a time.
type Walker interface {
	// Step advances to the next entry. Once the walk is done it returns
	// io.EOF, on every later call as well. Errors reading a single entry are
	// reported through Err and do not end the walk. May block.
	Step() error

	// Path returns the path of the current entry.
	Path() string

	// Stat returns the attributes of the current entry.
	Stat() FileStat

	// Err returns the error, if any, reading the current entry.
	Err() error

	// SkipDir prevents the walk from descending into the current directory.
	SkipDir()
}
