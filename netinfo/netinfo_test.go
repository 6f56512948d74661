package netinfo

import (
	"net/netip"
	"testing"
)

func TestSystemLocalAddressesExcludeLoopback(t *testing.T) {
	addrs, err := NewSystem().LocalAddresses()
	if err != nil {
		t.Fatalf("LocalAddresses failed: %v", err)
	}
	for _, raw := range addrs {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			t.Fatalf("unparseable local address %q: %v", raw, err)
		}
		if addr.IsLoopback() {
			t.Fatalf("expected loopback to be excluded, got %q", raw)
		}
	}
}

func TestInterfaceForUnknownAddress(t *testing.T) {
	if _, ok := InterfaceFor(netip.MustParseAddr("2001:db8::dead")); ok {
		t.Fatalf("expected documentation address to have no interface")
	}
}

func TestStaticReturnsConfiguredValues(t *testing.T) {
	var ifaces Interfaces = Static{
		Local:   []string{"192.0.2.10"},
		Default: "fe80::1",
		IPv6:    []string{"fe80::1%eth0"},
	}

	local, _ := ifaces.LocalAddresses()
	if len(local) != 1 || local[0] != "192.0.2.10" {
		t.Fatalf("unexpected local addresses %v", local)
	}
	def, _ := ifaces.DefaultAddress()
	if def != "fe80::1" {
		t.Fatalf("unexpected default address %q", def)
	}
	v6, _ := ifaces.DefaultIPv6Addresses()
	if len(v6) != 1 || v6[0] != "fe80::1%eth0" {
		t.Fatalf("unexpected IPv6 addresses %v", v6)
	}
}
