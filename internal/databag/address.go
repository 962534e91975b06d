package databag

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// Network types of an address
const (
	NetworkPublic  = "public"
	NetworkGuest   = "guest"
	NetworkControl = "control"
)

// Address is one address the router holds, from ips.json
type Address struct {
	Device    string `json:"device"`
	PublicIP  string `json:"public_ip"`
	CIDR      string `json:"cidr"`
	Broadcast string `json:"broadcast"`
	Netmask   string `json:"netmask"`
	Gateway   string `json:"gateway"`
	Type      string `json:"nw_type"`
	Size      Int    `json:"size"`
	Add       *Bool  `json:"add,omitempty"`
}

// normalize fills the derived fields from the CIDR
func (a *Address) normalize() error {
	if a.Device == "" {
		return fmt.Errorf("device is required")
	}

	ip, network, err := net.ParseCIDR(a.CIDR)
	if err != nil {
		return fmt.Errorf("invalid cidr %q", a.CIDR)
	}
	if ip.To4() == nil {
		return fmt.Errorf("cidr %q is not IPv4", a.CIDR)
	}

	if a.PublicIP == "" {
		a.PublicIP = ip.String()
	}
	if a.Size == 0 {
		ones, _ := network.Mask.Size()
		a.Size = Int(ones)
	}
	if a.Netmask == "" {
		a.Netmask = net.IP(network.Mask).String()
	}
	if a.Broadcast == "" {
		a.Broadcast = Broadcast(network).String()
	}
	return nil
}

// IsLinkLocal reports whether the address is in 169.254.0.0/16
func (a Address) IsLinkLocal() bool {
	ip := net.ParseIP(a.PublicIP)
	return ip != nil && ip.IsLinkLocalUnicast()
}

// NeedsVrrp reports whether the address floats between redundant routers.
// Public and guest addresses do, control and link-local ones never.
func (a Address) NeedsVrrp() bool {
	if a.IsLinkLocal() {
		return false
	}
	return a.Type == NetworkPublic || a.Type == NetworkGuest
}

// VipCIDR is the address keepalived advertises. For guest networks that is
// the gateway, which redundant routers share.
func (a Address) VipCIDR() string {
	host := a.PublicIP
	if a.Type == NetworkGuest && a.Gateway != "" {
		host = a.Gateway
	}
	return host + "/" + strconv.Itoa(int(a.Size))
}

// Addresses is every address on the router, in device order
type Addresses []Address

// Control returns the control network address
func (as Addresses) Control() (Address, error) {
	return as.first(NetworkControl)
}

// Guest returns the first guest network address
func (as Addresses) Guest() (Address, error) {
	return as.first(NetworkGuest)
}

// Vrrp returns the addresses that need VRRP advertisement
func (as Addresses) Vrrp() Addresses {
	var out Addresses
	for _, a := range as {
		if a.NeedsVrrp() {
			out = append(out, a)
		}
	}
	return out
}

func (as Addresses) first(nwType string) (Address, error) {
	for _, a := range as {
		if a.Type == nwType {
			return a, nil
		}
	}
	return Address{}, fmt.Errorf("%s address: %w", nwType, ErrNotFound)
}

// Addresses decodes ips.json, a map of device to its address list
func (l *Loader) Addresses() (Addresses, error) {
	obj, err := l.readObject(IPsFile)
	if err != nil {
		return nil, err
	}

	var addrs Addresses
	for _, key := range sortedKeys(obj) {
		var list []Address
		if err := json.Unmarshal(obj[key], &list); err != nil {
			return nil, malformed(IPsFile, key, err)
		}
		for i := range list {
			if list[i].Device == "" {
				list[i].Device = key
			}
			if err := list[i].normalize(); err != nil {
				return nil, malformed(IPsFile, key, err)
			}
			// Entries flagged for removal are no longer on the router
			if list[i].Add != nil && !bool(*list[i].Add) {
				continue
			}
			addrs = append(addrs, list[i])
		}
	}
	return addrs, nil
}

// Broadcast returns the IPv4 broadcast address of network
func Broadcast(network *net.IPNet) net.IP {
	ip := network.IP.To4()
	mask := net.IP(network.Mask).To4()
	if ip == nil || mask == nil {
		return nil
	}
	v := binary.BigEndian.Uint32(ip) | ^binary.BigEndian.Uint32(mask)
	out := make(net.IP, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}
