//go:build !unix

package ntske

import "syscall"

func listenControl(network, address string, c syscall.RawConn) error {
	return nil
}
