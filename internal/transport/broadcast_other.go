//go:build !unix

package transport

import (
	"errors"
	"syscall"
)

func broadcastControl(_, _ string, _ syscall.RawConn) error {
	return errors.New("udp broadcast is not supported on this platform")
}
