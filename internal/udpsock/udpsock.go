// Package udpsock provides the SO_REUSEADDR socket setup shared by the
// publish and subscribe endpoints, so multiple UMPS sockets on one
// host can bind the same port.
package udpsock

import (
	"context"
	"net"
	"syscall"
)

// ListenReusable binds a UDP socket to addr (wildcard if empty) and
// port with SO_REUSEADDR set before bind. Port 0 binds an ephemeral
// port.
func ListenReusable(addr string, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	pconn, err := lc.ListenPacket(context.Background(), "udp4", hostPort(addr, port))
	if err != nil {
		return nil, err
	}
	return pconn.(*net.UDPConn), nil
}

func hostPort(addr string, port int) string {
	if port < 0 {
		port = 0
	}
	if addr == "" {
		return (&net.UDPAddr{Port: port}).String()
	}
	return (&net.UDPAddr{IP: net.ParseIP(addr), Port: port}).String()
}
