package backend

import "net"

// NetworkProbe reports whether the local host has a usable network.
type NetworkProbe interface {
	Reachable() bool
}

// ProbeFunc adapts a function to NetworkProbe.
type ProbeFunc func() bool

// Reachable calls f.
func (f ProbeFunc) Reachable() bool {
	return f()
}

// InterfaceProbe treats the network as reachable when at least one
// non-loopback interface is up and carries an address.
type InterfaceProbe struct{}

// Reachable implements NetworkProbe.
func (InterfaceProbe) Reachable() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}
