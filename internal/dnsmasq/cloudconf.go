package dnsmasq

import (
	"fmt"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// configureServer writes one dhcp-range stanza and its options for every
// managed interface. Stanzas are keyed by device and a running index over
// managed interfaces so a device can carry several subnets.
func (r *Reconciler) configureServer(st *state) {
	tags := map[string]bool{}
	idx := 0
	for i, iface := range st.ifaces {
		if !iface.DnsmasqManaged {
			continue
		}

		device := iface.Device
		tag := fmt.Sprintf("interface-%s-%d", device, idx)
		tags[tag] = true
		opt := func(code dhcpv4.OptionCode) string {
			return optionLine("dhcp-option=tag:"+tag, code) + ","
		}

		gateway, netmask := iface.Gateway, iface.Netmask()
		dns := st.bag.Router.DNS()
		domain := st.bag.Router.Domain

		if st.bag.Router.IsVpc() {
			gn, err := st.bag.GuestNetworks.ForDevice(device)
			if err != nil {
				r.log.Warn().Err(err).Str("device", device).Msg("No guest network for VPC tier, using interface values")
			} else {
				gateway, netmask = gn.Gateway, gn.Netmask
				if servers := gn.DNSServers(); len(servers) > 0 {
					dns = servers
				}
				if gn.DomainName != "" {
					domain = gn.DomainName
				}
			}
		}
		if domain == "" {
			domain = r.opts.DefaultDomain
		}

		// Range
		st.cloud.Search(
			fmt.Sprintf("dhcp-range=set:%s,", tag),
			fmt.Sprintf("dhcp-range=set:%s,%s,static", tag, st.rangeStart[i]),
		)

		// Domain
		st.cloud.Search(
			opt(dhcpv4.OptionDomainName),
			opt(dhcpv4.OptionDomainName)+domain,
		)

		// DNS
		if len(dns) > 0 {
			st.cloud.Search(
				opt(dhcpv4.OptionDomainNameServer),
				opt(dhcpv4.OptionDomainNameServer)+strings.Join(dns, ","),
			)
		}

		// Gateway
		st.cloud.Search(
			opt(dhcpv4.OptionRouter),
			opt(dhcpv4.OptionRouter)+gateway,
		)

		// Netmask
		st.cloud.Search(
			opt(dhcpv4.OptionSubnetMask),
			opt(dhcpv4.OptionSubnetMask)+netmask,
		)

		r.log.Debug().Str("device", device).Int("index", idx).Str("gateway", gateway).Msg("Configured dnsmasq interface")
		idx++
	}

	r.dropStaleStanzas(st, tags)
}

// dropStaleStanzas removes the range and options of interface tags that are
// no longer managed, such as a NIC whose last entry went away
func (r *Reconciler) dropStaleStanzas(st *state, managed map[string]bool) {
	dropped := map[string]bool{}
	for _, line := range st.cloud.Lines() {
		rest, ok := strings.CutPrefix(line, "dhcp-range=set:interface-")
		if !ok {
			continue
		}
		suffix, _, _ := strings.Cut(rest, ",")
		tag := "interface-" + suffix
		if managed[tag] || dropped[tag] {
			continue
		}
		dropped[tag] = true

		n := st.cloud.DeleteLine("set:"+tag+",") + st.cloud.DeleteLine("tag:"+tag+",")
		r.log.Info().Str("tag", tag).Int("lines", n).Msg("Dropped stanza of unmanaged interface")
	}
}
