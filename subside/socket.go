package subside

import (
	"net"

	"github.com/ignirtoq/umps-go/internal/udpsock"
)

// listenReusable binds a UDP socket to the wildcard address and port
// with SO_REUSEADDR set before bind, so multiple subscribers on one
// host can bind the same UMPS port.
func listenReusable(port int) (*net.UDPConn, error) {
	return udpsock.ListenReusable("", port)
}
