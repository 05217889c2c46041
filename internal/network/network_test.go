package network

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
)

func newTestFabric(t *testing.T) *Fabric {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	f, err := NewFabric("cinderbr0", "169.254.90.0/24", logger)
	if err != nil {
		t.Fatalf("NewFabric: %v", err)
	}
	return f
}

func TestNewFabricRejectsBadSubnets(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	if _, err := NewFabric("br0", "not-a-cidr", logger); err == nil {
		t.Error("NewFabric accepted a malformed CIDR")
	}
	if _, err := NewFabric("br0", "fd00::/64", logger); err == nil {
		t.Error("NewFabric accepted an IPv6 subnet")
	}
	if _, err := NewFabric("br0", "10.0.0.0/31", logger); err == nil {
		t.Error("NewFabric accepted a subnet with no room for guests")
	}
}

func TestGatewayAndMask(t *testing.T) {
	f := newTestFabric(t)

	if got := f.Gateway().String(); got != "169.254.90.1" {
		t.Errorf("Gateway = %s, want 169.254.90.1", got)
	}
	if f.netmask != "255.255.255.0" {
		t.Errorf("netmask = %s, want 255.255.255.0", f.netmask)
	}
}

func TestTapName(t *testing.T) {
	if got := TapName("a1b2c3d4"); got != "tapa1b2c3d4" {
		t.Errorf("TapName = %q", got)
	}
	if len(TapName("a1b2c3d4")) > 15 {
		t.Errorf("tap name exceeds IFNAMSIZ")
	}
}

func TestAllocateIP(t *testing.T) {
	f := newTestFabric(t)

	ip1, err := f.allocateIP("vm1")
	if err != nil {
		t.Fatalf("allocateIP: %v", err)
	}
	if ip1.String() != "169.254.90.2" {
		t.Errorf("first guest IP = %s, want 169.254.90.2", ip1)
	}

	// Same VM keeps its address.
	again, _ := f.allocateIP("vm1")
	if !again.Equal(ip1) {
		t.Errorf("allocateIP(vm1) twice = %s then %s", ip1, again)
	}

	ip2, _ := f.allocateIP("vm2")
	if ip2.Equal(ip1) {
		t.Errorf("two VMs share IP %s", ip1)
	}

	// Released addresses are reused.
	f.releaseIP("vm1")
	ip3, _ := f.allocateIP("vm3")
	if !ip3.Equal(ip1) {
		t.Errorf("released IP not reused: got %s, want %s", ip3, ip1)
	}
}

func TestAllocateIPExhaustion(t *testing.T) {
	f := newTestFabric(t)

	for i := 0; i < hostCapacity; i++ {
		if _, err := f.allocateIP(fmt.Sprintf("vm%03d", i)); err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
	}
	if _, err := f.allocateIP("overflow"); err == nil {
		t.Error("allocation past subnet capacity succeeded")
	}
}

func TestMACForIP(t *testing.T) {
	ip := net.IPv4(169, 254, 90, 2)
	mac := MACForIP(ip)

	if mac[0]&0x02 == 0 {
		t.Errorf("MAC %s is not locally administered", mac)
	}
	if mac[0]&0x01 != 0 {
		t.Errorf("MAC %s is not unicast", mac)
	}
	// The low four bytes carry the address octets.
	if mac[2] != 169 || mac[3] != 254 || mac[4] != 90 || mac[5] != 2 {
		t.Errorf("MAC %s does not embed %s", mac, ip)
	}

	if MACForIP(ip).String() != mac.String() {
		t.Error("MAC derivation is not deterministic")
	}
	if MACForIP(net.IPv4(169, 254, 90, 3)).String() == mac.String() {
		t.Error("distinct addresses share a MAC")
	}
}

func TestBootArg(t *testing.T) {
	f := newTestFabric(t)
	ip, _ := f.allocateIP("vm1")

	iface := &Interface{
		TapName: TapName("vm1"),
		GuestIP: ip,
		Gateway: f.Gateway(),
		Netmask: f.netmask,
		MAC:     MACForIP(ip).String(),
	}

	want := "ip=169.254.90.2::169.254.90.1:255.255.255.0::eth0:off"
	if got := iface.BootArg(); got != want {
		t.Errorf("BootArg = %q, want %q", got, want)
	}
}
