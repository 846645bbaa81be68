// Package relay implements the country-gated TCP relay: the accept loop, the
// per-connection admission check and the duplex byte forwarder.
package relay

import (
	"context"
	"net"
)

// Service is a long-running component supervised by the gateway process.
type Service interface {
	Name() string
	Start(ctx context.Context) error
}

// CountryLookup resolves an IP address to an uppercase ISO-3166 country code,
// or "" when the country is unknown.
type CountryLookup interface {
	Lookup(ip net.IP) string
}

// Resolver resolves the target host name to an address.
type Resolver interface {
	Resolve(ctx context.Context, name string) (net.IP, error)
}

// ClientInfo holds the address of an accepted client.
type ClientInfo struct {
	IP   net.IP
	Port int
}

func clientInfo(conn net.Conn) ClientInfo {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return ClientInfo{IP: addr.IP, Port: addr.Port}
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return ClientInfo{}
	}
	return ClientInfo{IP: net.ParseIP(host)}
}
