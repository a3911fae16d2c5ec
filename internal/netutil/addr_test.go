package netutil

import (
	"net"
	"testing"
)

func TestFirstIPv4SkipsLoopbackAndV6(t *testing.T) {
	addrs := []net.Addr{
		&net.IPNet{IP: net.ParseIP("127.0.0.1"), Mask: net.CIDRMask(8, 32)},
		&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		&net.IPNet{IP: net.ParseIP("169.254.3.4"), Mask: net.CIDRMask(16, 32)},
		&net.IPNet{IP: net.ParseIP("192.168.1.20"), Mask: net.CIDRMask(24, 32)},
	}
	if got := firstIPv4(addrs); got != "192.168.1.20" {
		t.Fatalf("got %q", got)
	}
	if got := firstIPv4(nil); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestLANAddressNeverEmpty(t *testing.T) {
	if LANAddress() == "" {
		t.Fatalf("expected an address")
	}
}
