package dnsmasq

import (
	"encoding/binary"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/sashakarcz/vrconf/internal/databag"
)

// Options withheld from every tag of a secondary NIC
var taggedOptions = dhcpv4.OptionCodeList{
	dhcpv4.OptionRouter,
	dhcpv4.OptionDomainNameServer,
	dhcpv4.OptionDomainName,
}

// optionLine renders the "<prefix>,<code>" head of a dnsmasq option line
func optionLine(prefix string, code dhcpv4.OptionCode) string {
	return fmt.Sprintf("%s,%d", prefix, code.Code())
}

// hostsMap keeps /etc/hosts content as IP to names in insertion order
type hostsMap struct {
	order []string
	names map[string][]string
}

func newHostsMap() *hostsMap {
	return &hostsMap{names: make(map[string][]string)}
}

func (h *hostsMap) add(ip string, names ...string) {
	existing, ok := h.names[ip]
	if !ok {
		h.order = append(h.order, ip)
	}
	for _, n := range names {
		if !slices.Contains(existing, n) {
			existing = append(existing, n)
		}
	}
	h.names[ip] = existing
}

func (h *hostsMap) lines() []string {
	out := make([]string, 0, len(h.order))
	for _, ip := range h.order {
		out = append(out, ip+"\t"+strings.Join(h.names[ip], " "))
	}
	return out
}

// parseLeases maps every dhcphosts line, minus its lease suffix, to the
// lease in hours. Leases outside the window are dropped so they get redrawn.
func parseLeases(lines []string, lo, hi int) map[string]int {
	out := make(map[string]int, len(lines))
	for _, line := range lines {
		idx := strings.LastIndex(line, ",")
		if idx == -1 {
			continue
		}
		suffix := line[idx+1:]
		if !strings.HasSuffix(suffix, "h") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(suffix, "h"))
		if err != nil || n < lo || n > hi {
			continue
		}
		out[line[:idx]] = n
	}
	return out
}

// strictlyContains reports network < ip < broadcast
func strictlyContains(network *net.IPNet, ip net.IP) bool {
	if network == nil || ip == nil {
		return false
	}
	ip4 := ip.To4()
	base := network.IP.To4()
	if ip4 == nil || base == nil || !network.Contains(ip4) {
		return false
	}

	v := binary.BigEndian.Uint32(ip4)
	return v > binary.BigEndian.Uint32(base) && v < binary.BigEndian.Uint32(databag.Broadcast(network))
}
