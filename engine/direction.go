package engine

// Direction is the set of transport conditions a would-block call is waiting on.
type Direction uint8

// Directions reported by Session.BlockDirections.
const (
	None      Direction = 0
	Read      Direction = 1 << 0
	Write     Direction = 1 << 1
	ReadWrite           = Read | Write
)

// Readable reports whether d includes waiting for the transport to become readable.
func (d Direction) Readable() bool { return d&Read != 0 }

// Writable reports whether d includes waiting for the transport to become writable.
func (d Direction) Writable() bool { return d&Write != 0 }

func (d Direction) String() string {
	switch d {
	case None:
		return "none"
	case Read:
		return "read"
	case Write:
		return "write"
	case ReadWrite:
		return "read-write"
	default:
		return "invalid"
	}
}
