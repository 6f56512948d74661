// Package netinfo reports the host's own network addresses.
package netinfo

import (
	"net"
	"net/netip"
	"sort"
)

// Interfaces is the host-address capability the protocol core consumes.
type Interfaces interface {
	// LocalAddresses returns every non-loopback address of this host.
	LocalAddresses() ([]string, error)
	// DefaultAddress returns the local address used for outbound traffic.
	DefaultAddress() (string, error)
	// DefaultIPv6Addresses returns the IPv6 addresses of the default-route
	// interface in zoned form when link-local, or nil when there are none.
	DefaultIPv6Addresses() ([]string, error)
}

// System reads addresses from the operating system.
type System struct {
	// Probe4 and Probe6 are unroutable-but-global destinations used to learn
	// the default outbound addresses. No packets are sent.
	Probe4 string
	Probe6 string
}

const (
	defaultProbe4 = "192.0.2.1:9"
	defaultProbe6 = "[2001:db8::1]:9"
)

// NewSystem returns the operating-system implementation.
func NewSystem() *System {
	return &System{Probe4: defaultProbe4, Probe6: defaultProbe6}
}

// LocalAddresses implements Interfaces.
func (s *System) LocalAddresses() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		for _, addr := range interfaceAddrs(iface) {
			if addr.IsLoopback() {
				continue
			}
			out = append(out, addr.String())
		}
	}
	sort.Strings(out)
	return out, nil
}

// DefaultAddress implements Interfaces. IPv6 is preferred; when the host has
// no IPv6 default route, the link-local address of the IPv4 default-route
// interface is used, and failing that the IPv4 address itself.
func (s *System) DefaultAddress() (string, error) {
	if addr, err := s.probe("udp6", s.probe6()); err == nil {
		return addr.WithZone("").String(), nil
	}

	v4, err := s.probe("udp4", s.probe4())
	if err != nil {
		return "", err
	}
	if iface, ok := InterfaceFor(v4); ok {
		for _, addr := range interfaceAddrs(iface) {
			if addr.Is6() && addr.IsLinkLocalUnicast() {
				return addr.WithZone("").String(), nil
			}
		}
	}
	return v4.String(), nil
}

// DefaultIPv6Addresses implements Interfaces.
func (s *System) DefaultIPv6Addresses() ([]string, error) {
	local, err := s.probe("udp6", s.probe6())
	if err != nil {
		local, err = s.probe("udp4", s.probe4())
		if err != nil {
			return nil, nil
		}
	}

	iface, ok := InterfaceFor(local)
	if !ok {
		return nil, nil
	}
	var out []string
	for _, addr := range interfaceAddrs(iface) {
		if !addr.Is6() || addr.Is4In6() {
			continue
		}
		if addr.IsLinkLocalUnicast() {
			addr = addr.WithZone(iface.Name)
		}
		out = append(out, addr.String())
	}
	return out, nil
}

func (s *System) probe4() string {
	if s.Probe4 != "" {
		return s.Probe4
	}
	return defaultProbe4
}

func (s *System) probe6() string {
	if s.Probe6 != "" {
		return s.Probe6
	}
	return defaultProbe6
}

// probe learns the source address the kernel would pick for target. Dialing
// UDP only consults the routing table.
func (s *System) probe(network, target string) (netip.Addr, error) {
	conn, err := net.Dial(network, target)
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()

	udp, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, net.InvalidAddrError("unexpected local address type")
	}
	addr, ok := netip.AddrFromSlice(udp.IP)
	if !ok {
		return netip.Addr{}, net.InvalidAddrError(udp.IP.String())
	}
	return addr.Unmap(), nil
}

// InterfaceFor returns the interface that owns addr.
func InterfaceFor(addr netip.Addr) (net.Interface, bool) {
	addr = addr.WithZone("").Unmap()
	ifaces, err := net.Interfaces()
	if err != nil {
		return net.Interface{}, false
	}
	for _, iface := range ifaces {
		for _, candidate := range interfaceAddrs(iface) {
			if candidate == addr {
				return iface, true
			}
		}
	}
	return net.Interface{}, false
}

func interfaceAddrs(iface net.Interface) []netip.Addr {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		out = append(out, addr.Unmap())
	}
	return out
}

// Static is a fixed Interfaces implementation.
type Static struct {
	Local   []string
	Default string
	IPv6    []string
}

// LocalAddresses implements Interfaces.
func (s Static) LocalAddresses() ([]string, error) { return s.Local, nil }

// DefaultAddress implements Interfaces.
func (s Static) DefaultAddress() (string, error) { return s.Default, nil }

// DefaultIPv6Addresses implements Interfaces.
func (s Static) DefaultIPv6Addresses() ([]string, error) { return s.IPv6, nil }
