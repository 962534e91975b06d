package shell

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/vishvananda/netlink"
)

// Interface is one IPv4 address configured on a device, as observed on the
// running system
type Interface struct {
	Device         string
	IP             string // CIDR notation, e.g. 10.1.1.1/24
	Network        *net.IPNet
	DnsmasqManaged bool
	Gateway        string
}

// Address returns the bare IP of the interface
func (i Interface) Address() net.IP {
	ip, _, err := net.ParseCIDR(i.IP)
	if err != nil {
		return nil
	}
	return ip
}

// Netmask returns the dotted quad netmask of the interface network
func (i Interface) Netmask() string {
	if i.Network == nil {
		return ""
	}
	return net.IP(i.Network.Mask).String()
}

// InterfaceSource lists the live interfaces
type InterfaceSource interface {
	Interfaces(ctx context.Context) ([]Interface, error)
}

// ListInterfaces returns every IPv4 address on the system. The result is
// fresh on every call and nothing is marked as dnsmasq managed yet.
func (e *Executor) ListInterfaces(ctx context.Context) ([]Interface, error) {
	ifaces, err := e.ifaces.Interfaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	e.log.Debug().Int("count", len(ifaces)).Msg("Discovered interfaces")
	return ifaces, nil
}

// NetlinkSource reads addresses straight from the kernel
type NetlinkSource struct{}

func (NetlinkSource) Interfaces(_ context.Context) ([]Interface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	var result []Interface
	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("failed to list addresses of %s: %w", link.Attrs().Name, err)
		}

		for _, addr := range addrs {
			if addr.IPNet == nil {
				continue
			}

			// Aliases carry their own label, which is what ip addr show prints
			device := addr.Label
			if device == "" {
				device = link.Attrs().Name
			}

			iface, err := newInterface(device, addr.IPNet.String())
			if err != nil {
				return nil, err
			}
			result = append(result, iface)
		}
	}

	return result, nil
}

// IPCommandSource parses the output of "ip addr show"
type IPCommandSource struct {
	Exec *Executor
}

func (s IPCommandSource) Interfaces(ctx context.Context) ([]Interface, error) {
	out, err := s.Exec.Execute(ctx, "ip", "addr", "show")
	if err != nil {
		return nil, err
	}
	return ParseIPAddrShow(out)
}

// ParseIPAddrShow extracts one Interface per "inet" line: the address is the
// second field and the device the last one
func ParseIPAddrShow(output string) ([]Interface, error) {
	var result []Interface
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "inet" {
			continue
		}

		iface, err := newInterface(fields[len(fields)-1], fields[1])
		if err != nil {
			return nil, err
		}
		result = append(result, iface)
	}
	return result, nil
}

func newInterface(device, cidr string) (Interface, error) {
	// ip prints host routes without a prefix length
	if !strings.Contains(cidr, "/") {
		cidr += "/32"
	}

	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return Interface{}, fmt.Errorf("failed to parse address %q of %s: %w", cidr, device, err)
	}

	return Interface{
		Device:  device,
		IP:      cidr,
		Network: network,
	}, nil
}
