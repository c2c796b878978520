//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package readiness

import (
	"net"

	"github.com/pkg/errors"
)

// NewSocket is not supported on this platform; use a Notifier-driven engine instead.
func NewSocket(conn net.Conn) (Source, error) {
	return nil, errors.Wrapf(ErrUnsupported, "no descriptor polling for %T on this platform", conn)
}
