package databag

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDir = "/etc/cloudstack"

func newLoader(t *testing.T, files map[string]string) *Loader {
	t.Helper()

	fs := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, filepath.Join(testDir, name), []byte(content), 0644))
	}
	return NewLoader(fs, testDir, zerolog.Nop())
}

func TestLoader_Load_MissingFilesAreEmpty(t *testing.T) {
	bag, err := newLoader(t, nil).Load()
	require.NoError(t, err)

	assert.Empty(t, bag.Entries)
	assert.Empty(t, bag.Addresses)
	assert.Empty(t, bag.GuestNetworks)
	assert.False(t, bag.Router.IsRedundant())
}

func TestLoader_DhcpEntries(t *testing.T) {
	l := newLoader(t, map[string]string{
		DhcpEntryFile: `{
			"id": "dhcpentry",
			"b": {"mac_address": "52:54:00:AB:CD:EF", "ipv4_address": "10.1.1.11", "host_name": "vm2", "default_entry": false},
			"a": {"mac_address": "52:54:00:12:34:56", "ipv4_address": "10.1.1.10", "host_name": "vm1", "default_entry": true, "default_gateway": "10.1.1.1"},
			"c": {"mac_address": "52:54:00:00:00:01", "ipv4_adress": "10.1.1.12", "host_name": "vm3", "default_entry": "true"}
		}`,
	})

	entries, err := l.DhcpEntries()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "vm1", entries[0].HostName)
	assert.True(t, bool(entries[0].DefaultEntry))
	assert.Equal(t, "10.1.1.1", entries[0].DefaultGateway)

	assert.Equal(t, "52:54:00:ab:cd:ef", entries[1].MACAddress)
	assert.Equal(t, "10_1_1_11", entries[1].Tag())

	assert.Equal(t, "10.1.1.12", entries[2].IPv4Address)
	assert.True(t, bool(entries[2].DefaultEntry))
}

func TestLoader_DhcpEntries_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "not json", content: `{"a": `},
		{name: "bad mac", content: `{"a": {"mac_address": "zz", "ipv4_address": "10.1.1.10", "host_name": "vm1"}}`},
		{name: "bad ip", content: `{"a": {"mac_address": "52:54:00:12:34:56", "ipv4_address": "10.1.1", "host_name": "vm1"}}`},
		{name: "ipv6", content: `{"a": {"mac_address": "52:54:00:12:34:56", "ipv4_address": "fe80::1", "host_name": "vm1"}}`},
		{name: "no host", content: `{"a": {"mac_address": "52:54:00:12:34:56", "ipv4_address": "10.1.1.10"}}`},
		{name: "bad flag", content: `{"a": {"mac_address": "52:54:00:12:34:56", "ipv4_address": "10.1.1.10", "host_name": "vm1", "default_entry": "maybe"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newLoader(t, map[string]string{DhcpEntryFile: tt.content}).DhcpEntries()
			assert.ErrorIs(t, err, ErrMalformedDataBag)
		})
	}
}

func TestLoader_RouterConfig(t *testing.T) {
	l := newLoader(t, map[string]string{
		CmdLineFile: `{
			"id": "cmdline",
			"cmd_line": {
				"type": "router",
				"name": "r-7-VM",
				"redundant_router": "true",
				"redundant_state": "MASTER",
				"router_pr": "100",
				"router_id": 7,
				"domain": "cs1cloud.internal",
				"dns1": "8.8.8.8",
				"dns2": ""
			}
		}`,
	})

	cfg, err := l.RouterConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsRedundant())
	assert.True(t, cfg.IsMaster())
	assert.True(t, cfg.IsGuestRouter())
	assert.False(t, cfg.IsVpc())
	assert.Equal(t, 100, int(cfg.Priority))
	assert.Equal(t, 7, int(cfg.RouterID))
	assert.Equal(t, []string{"8.8.8.8"}, cfg.DNS())
}

func TestLoader_RouterConfig_RedundantNeedsRouterID(t *testing.T) {
	tests := []struct {
		name    string
		cmdline string
		wantErr bool
	}{
		{"missing", `{"cmd_line": {"type": "router", "redundant_router": "true"}}`, true},
		{"zero", `{"cmd_line": {"type": "router", "redundant_router": "true", "router_id": 0}}`, true},
		{"too large", `{"cmd_line": {"type": "router", "redundant_router": "true", "router_id": "256"}}`, true},
		{"in range", `{"cmd_line": {"type": "router", "redundant_router": "true", "router_id": 255}}`, false},
		{"standalone", `{"cmd_line": {"type": "router", "redundant_router": "false"}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLoader(t, map[string]string{CmdLineFile: tt.cmdline})

			_, err := l.RouterConfig()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedDataBag)
				assert.Contains(t, err.Error(), "router_id")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRouterConfig_IsMaster(t *testing.T) {
	assert.False(t, RouterConfig{RedundantState: "MASTER"}.IsMaster())
	assert.False(t, RouterConfig{Redundant: true, RedundantState: "BACKUP"}.IsMaster())
	assert.True(t, RouterConfig{Redundant: true, RedundantState: "master"}.IsMaster())
}

func TestLoader_Addresses(t *testing.T) {
	l := newLoader(t, map[string]string{
		IPsFile: `{
			"id": "ips",
			"eth0": [{"cidr": "10.1.1.1/24", "gateway": "10.1.1.1", "nw_type": "guest", "add": true}],
			"eth1": [{"cidr": "169.254.1.5/16", "nw_type": "control", "add": true}],
			"eth2": [
				{"public_ip": "172.16.0.10", "cidr": "172.16.0.10/24", "broadcast": "172.16.0.255", "gateway": "172.16.0.1", "nw_type": "public", "size": "24", "add": true},
				{"cidr": "172.16.0.20/24", "nw_type": "public", "add": false}
			]
		}`,
	})

	addrs, err := l.Addresses()
	require.NoError(t, err)
	require.Len(t, addrs, 3)

	guest, err := addrs.Guest()
	require.NoError(t, err)
	assert.Equal(t, "eth0", guest.Device)
	assert.Equal(t, "10.1.1.1", guest.PublicIP)
	assert.Equal(t, "10.1.1.255", guest.Broadcast)
	assert.Equal(t, 24, int(guest.Size))
	assert.Equal(t, "10.1.1.1/24", guest.VipCIDR())

	control, err := addrs.Control()
	require.NoError(t, err)
	assert.True(t, control.IsLinkLocal())
	assert.False(t, control.NeedsVrrp())

	vrrp := addrs.Vrrp()
	require.Len(t, vrrp, 2)
	assert.Equal(t, "172.16.0.10/24", vrrp[1].VipCIDR())
}

func TestAddresses_MissingType(t *testing.T) {
	_, err := Addresses{}.Control()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoader_GuestNetworks(t *testing.T) {
	l := newLoader(t, map[string]string{
		GuestNetworkFile: `{
			"id": "guestnetwork",
			"eth1": {"router_guest_gateway": "10.1.1.1", "router_guest_netmask": "255.255.255.0", "dns": "8.8.8.8, 8.8.4.4", "domain_name": "tier1.internal"}
		}`,
	})

	gns, err := l.GuestNetworks()
	require.NoError(t, err)

	gn, err := gns.ForDevice("eth1")
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1", gn.Gateway)
	assert.Equal(t, []string{"8.8.8.8", "8.8.4.4"}, gn.DNSServers())

	_, err = gns.ForDevice("eth9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBroadcast(t *testing.T) {
	_, network, err := net.ParseCIDR("192.168.10.77/26")
	require.NoError(t, err)
	assert.Equal(t, "192.168.10.127", Broadcast(network).String())
}
