//go:build !unix

package socketserver

import "syscall"

func reuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
