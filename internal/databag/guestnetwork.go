package databag

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GuestNetwork holds the per device guest network settings VPC routers use
// for DHCP options
type GuestNetwork struct {
	Device     string `json:"device"`
	Gateway    string `json:"router_guest_gateway"`
	Netmask    string `json:"router_guest_netmask"`
	DNS        string `json:"dns"`
	DomainName string `json:"domain_name"`
}

// DNSServers splits the comma separated resolver list
func (g GuestNetwork) DNSServers() []string {
	var out []string
	for _, s := range strings.Split(g.DNS, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// GuestNetworks is keyed by device
type GuestNetworks map[string]GuestNetwork

// ForDevice returns the guest network attached to device
func (g GuestNetworks) ForDevice(device string) (GuestNetwork, error) {
	gn, ok := g[device]
	if !ok {
		return GuestNetwork{}, fmt.Errorf("guest network on %s: %w", device, ErrNotFound)
	}
	return gn, nil
}

// GuestNetworks decodes guestnetwork.json
func (l *Loader) GuestNetworks() (GuestNetworks, error) {
	obj, err := l.readObject(GuestNetworkFile)
	if err != nil {
		return nil, err
	}

	out := make(GuestNetworks, len(obj))
	for _, key := range sortedKeys(obj) {
		var gn GuestNetwork
		if err := json.Unmarshal(obj[key], &gn); err != nil {
			return nil, malformed(GuestNetworkFile, key, err)
		}
		if gn.Device == "" {
			gn.Device = key
		}
		out[gn.Device] = gn
	}
	return out, nil
}
