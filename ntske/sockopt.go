//go:build unix

package ntske

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// listenControl sets the options the KE listening sockets need:
// SO_REUSEADDR so a restarted server can rebind, and IPV6_V6ONLY so
// the IPv6 wildcard socket does not shadow the IPv4 one.
func listenControl(network, address string, c syscall.RawConn) error {
	var soErr error
	err := c.Control(func(fd uintptr) {
		soErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if soErr != nil {
			return
		}
		if network == "tcp6" {
			soErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
		}
	})
	if err != nil {
		return err
	}
	return soErr
}
