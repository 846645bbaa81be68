package geo

import "net"

// Static is an in-memory country table keyed by IP address string. It is
// used where a database file is impractical, such as tests.
type Static map[string]string

// Lookup returns the code recorded for ip, or Unknown.
func (s Static) Lookup(ip net.IP) string {
	if ip == nil {
		return Unknown
	}
	return Normalize(s[ip.String()])
}
