package mavlink

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/bluenviron/gomavlib/v3"
)

// Endpoint turns a connection string into a gomavlib endpoint. The accepted
// forms follow the usual ground-station conventions:
//
//	udp:HOST:PORT     listen for datagrams on HOST:PORT
//	udpin:HOST:PORT   same as udp
//	udpout:HOST:PORT  send datagrams to HOST:PORT
//	tcp:HOST:PORT     connect to a TCP server
//	tcpin:HOST:PORT   accept TCP clients
func Endpoint(address string) (gomavlib.EndpointConf, error) {
	scheme, hostPort, ok := strings.Cut(address, ":")
	if !ok {
		return nil, fmt.Errorf("address %q: missing scheme", address)
	}
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, fmt.Errorf("address %q: %w", address, err)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return nil, fmt.Errorf("address %q: invalid port %q", address, port)
	}
	hostPort = net.JoinHostPort(host, port)

	switch strings.ToLower(scheme) {
	case "udp", "udpin":
		return gomavlib.EndpointUDPServer{Address: hostPort}, nil
	case "udpout":
		return gomavlib.EndpointUDPClient{Address: hostPort}, nil
	case "tcp":
		return gomavlib.EndpointTCPClient{Address: hostPort}, nil
	case "tcpin":
		return gomavlib.EndpointTCPServer{Address: hostPort}, nil
	default:
		return nil, fmt.Errorf("address %q: unsupported scheme %q", address, scheme)
	}
}

// UDPAddress formats the address a relay output on port is read from.
func UDPAddress(port int) string {
	return "udp:127.0.0.1:" + strconv.Itoa(port)
}
