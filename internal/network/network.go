// Package network maintains the host side of microVM networking: one shared
// bridge with a private /24, and a TAP device per VM enslaved to it. Guests
// come up with a static address handed to them via kernel boot arguments, so
// the host always knows a guest's IP without discovery.
package network

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/vishvananda/netlink"
)

// tapPrefix is prepended to the VM id to form the TAP device name.
const tapPrefix = "tap"

// hostCapacity is the number of guest addresses available in a /24 after
// excluding network, broadcast, and the gateway.
const hostCapacity = 253

// Interface describes the host-side network attachment of one VM.
type Interface struct {
	// TapName is the host TAP device ("tap<vm_id>").
	TapName string

	// GuestIP is the static address the guest boots with.
	GuestIP net.IP

	// Gateway is the bridge address, the guest's default route.
	Gateway net.IP

	// Netmask is the subnet mask in dotted form.
	Netmask string

	// MAC is the guest NIC's locally-administered address.
	MAC string
}

// BootArg renders the kernel ip= argument that configures the guest's NIC at
// boot: ip=<client>::<gateway>:<netmask>::<device>:off.
func (i *Interface) BootArg() string {
	return fmt.Sprintf("ip=%s::%s:%s::eth0:off", i.GuestIP, i.Gateway, i.Netmask)
}

// Fabric owns the bridge and allocates TAP devices and guest addresses.
// Bridge creation is idempotent and serialized; TAP names and addresses are
// unique per VM id so VMs never contend with each other.
type Fabric struct {
	bridgeName string
	subnet     *net.IPNet
	gateway    net.IP
	netmask    string
	logger     *slog.Logger

	mu       sync.Mutex
	next     int
	free     []int
	assigned map[string]int // vm id → host index
}

// NewFabric creates a fabric for the given bridge and subnet CIDR. The
// gateway is the subnet's first host address.
func NewFabric(bridgeName, subnet string, logger *slog.Logger) (*Fabric, error) {
	_, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, fmt.Errorf("parse subnet %q: %w", subnet, err)
	}
	if ones, bits := ipNet.Mask.Size(); bits != 32 || ones > 30 {
		return nil, fmt.Errorf("subnet %q: need an IPv4 network with room for guests", subnet)
	}

	return &Fabric{
		bridgeName: bridgeName,
		subnet:     ipNet,
		gateway:    hostAddress(ipNet, 1),
		netmask:    dottedMask(ipNet.Mask),
		logger:     logger,
		assigned:   make(map[string]int),
	}, nil
}

// Gateway returns the bridge's address.
func (f *Fabric) Gateway() net.IP {
	return f.gateway
}

// EnsureBridge creates the bridge if missing, assigns it the gateway address,
// and brings it up. Idempotent: an existing bridge or address is not an
// error. Failures here degrade networking but do not by themselves kill VMs;
// callers log them as warnings.
func (f *Fabric) EnsureBridge() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	link, err := netlink.LinkByName(f.bridgeName)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("look up bridge %s: %w", f.bridgeName, err)
		}

		attrs := netlink.NewLinkAttrs()
		attrs.Name = f.bridgeName
		bridge := &netlink.Bridge{LinkAttrs: attrs}
		if err := netlink.LinkAdd(bridge); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create bridge %s: %w", f.bridgeName, err)
		}
		if link, err = netlink.LinkByName(f.bridgeName); err != nil {
			return fmt.Errorf("look up bridge %s after create: %w", f.bridgeName, err)
		}
	}

	ones, _ := f.subnet.Mask.Size()
	addr, err := netlink.ParseAddr(fmt.Sprintf("%s/%d", f.gateway, ones))
	if err != nil {
		return fmt.Errorf("parse gateway address: %w", err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("assign gateway address: %w", err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up bridge %s: %w", f.bridgeName, err)
	}
	return nil
}

// CreateTap allocates the guest's static address, creates the VM's TAP
// device, brings it up, and enslaves it to the bridge. TAP failures are
// fatal for the VM being created and roll the address back.
func (f *Fabric) CreateTap(vmID string) (*Interface, error) {
	guestIP, err := f.allocateIP(vmID)
	if err != nil {
		return nil, err
	}

	name := TapName(vmID)

	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	tap := &netlink.Tuntap{
		LinkAttrs: attrs,
		Mode:      netlink.TUNTAP_MODE_TAP,
	}

	if err := netlink.LinkAdd(tap); err != nil && !errors.Is(err, os.ErrExist) {
		f.releaseIP(vmID)
		return nil, fmt.Errorf("create tap %s: %w", name, err)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		f.releaseIP(vmID)
		return nil, fmt.Errorf("look up tap %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		f.rollbackTap(vmID, name)
		return nil, fmt.Errorf("bring up tap %s: %w", name, err)
	}

	bridge, err := netlink.LinkByName(f.bridgeName)
	if err != nil {
		f.rollbackTap(vmID, name)
		return nil, fmt.Errorf("look up bridge %s: %w", f.bridgeName, err)
	}
	if err := netlink.LinkSetMaster(link, bridge); err != nil {
		f.rollbackTap(vmID, name)
		return nil, fmt.Errorf("enslave tap %s to %s: %w", name, f.bridgeName, err)
	}

	iface := &Interface{
		TapName: name,
		GuestIP: guestIP,
		Gateway: f.gateway,
		Netmask: f.netmask,
		MAC:     MACForIP(guestIP).String(),
	}

	f.logger.Debug("tap created",
		"vm_id", vmID,
		"tap", name,
		"guest_ip", guestIP.String(),
	)
	return iface, nil
}

// DeleteTap removes the VM's TAP device and releases its address. Idempotent:
// a missing device is not an error.
func (f *Fabric) DeleteTap(vmID string) error {
	f.releaseIP(vmID)

	name := TapName(vmID)
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("look up tap %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete tap %s: %w", name, err)
	}
	return nil
}

// rollbackTap undoes a partially built attachment: the device goes away and
// the address returns to the free list.
func (f *Fabric) rollbackTap(vmID, name string) {
	f.releaseIP(vmID)
	if link, err := netlink.LinkByName(name); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			f.logger.Warn("tap rollback failed", "tap", name, "error", err)
		}
	}
}

// allocateIP hands out host addresses starting at .2, reusing released slots
// first. The address for a VM is fixed for the VM's lifetime.
func (f *Fabric) allocateIP(vmID string) (net.IP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if idx, ok := f.assigned[vmID]; ok {
		return hostAddress(f.subnet, idx), nil
	}

	var idx int
	switch {
	case len(f.free) > 0:
		idx = f.free[len(f.free)-1]
		f.free = f.free[:len(f.free)-1]
	case f.next < hostCapacity:
		// Gateway holds index 1; guests start at 2.
		idx = f.next + 2
		f.next++
	default:
		return nil, fmt.Errorf("subnet %s exhausted", f.subnet)
	}

	f.assigned[vmID] = idx
	return hostAddress(f.subnet, idx), nil
}

func (f *Fabric) releaseIP(vmID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if idx, ok := f.assigned[vmID]; ok {
		delete(f.assigned, vmID)
		f.free = append(f.free, idx)
	}
}

// TapName derives the TAP device name for a VM id.
func TapName(vmID string) string {
	return tapPrefix + vmID
}

// macOUI is the locally-administered unicast prefix for guest NICs.
var macOUI = [2]byte{0x02, 0xc1}

// MACForIP derives the guest NIC address from the guest's allocated IPv4
// address: the low four bytes are the address octets. Addresses are unique
// within the fabric, so MACs are too, and either side of the lease can be
// recomputed from the other without extra state. Stable across rebuilds of
// the same VM, whose address never changes.
func MACForIP(ip net.IP) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	mac[0] = macOUI[0]
	mac[1] = macOUI[1]
	copy(mac[2:], ip.To4())
	return mac
}

// hostAddress returns the subnet's base address plus idx.
func hostAddress(ipNet *net.IPNet, idx int) net.IP {
	base := ipNet.IP.To4()
	addr := make(net.IP, 4)
	copy(addr, base)

	carry := idx
	for i := 3; i >= 0 && carry > 0; i-- {
		sum := int(addr[i]) + carry
		addr[i] = byte(sum & 0xff)
		carry = sum >> 8
	}
	return addr
}

// dottedMask renders an IPv4 mask in dotted-quad form for kernel boot args.
func dottedMask(mask net.IPMask) string {
	return fmt.Sprintf("%d.%d.%d.%d", mask[0], mask[1], mask[2], mask[3])
}
