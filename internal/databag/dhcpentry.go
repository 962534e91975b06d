package databag

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
)

// DhcpEntry is one guest NIC that dnsmasq must serve
type DhcpEntry struct {
	ID             string `json:"-"`
	MACAddress     string `json:"mac_address"`
	IPv4Address    string `json:"ipv4_address"`
	HostName       string `json:"host_name"`
	DefaultEntry   Bool   `json:"default_entry"`
	DefaultGateway string `json:"default_gateway"`
}

func (e *DhcpEntry) UnmarshalJSON(data []byte) error {
	type plain DhcpEntry
	var raw struct {
		plain
		// Older orchestrators misspell the address key
		LegacyIPv4Address string `json:"ipv4_adress"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = DhcpEntry(raw.plain)
	if e.IPv4Address == "" {
		e.IPv4Address = raw.LegacyIPv4Address
	}
	return nil
}

// IP returns the parsed entry address
func (e DhcpEntry) IP() net.IP {
	return net.ParseIP(e.IPv4Address).To4()
}

// Tag is the dnsmasq tag used for entries that are not the default NIC
func (e DhcpEntry) Tag() string {
	return strings.ReplaceAll(e.IPv4Address, ".", "_")
}

// Validate checks and normalizes the entry
func (e *DhcpEntry) Validate() error {
	mac, err := net.ParseMAC(e.MACAddress)
	if err != nil {
		return fmt.Errorf("invalid mac_address %q", e.MACAddress)
	}
	e.MACAddress = mac.String()

	if e.IP() == nil {
		return fmt.Errorf("invalid ipv4_address %q", e.IPv4Address)
	}
	if strings.TrimSpace(e.HostName) == "" {
		return errors.New("host_name is required")
	}
	if e.DefaultGateway != "" && net.ParseIP(e.DefaultGateway) == nil {
		return fmt.Errorf("invalid default_gateway %q", e.DefaultGateway)
	}
	return nil
}

// DhcpEntries decodes dhcpentry.json, ordered by key
func (l *Loader) DhcpEntries() ([]DhcpEntry, error) {
	obj, err := l.readObject(DhcpEntryFile)
	if err != nil {
		return nil, err
	}

	entries := make([]DhcpEntry, 0, len(obj))
	for _, key := range sortedKeys(obj) {
		var entry DhcpEntry
		if err := json.Unmarshal(obj[key], &entry); err != nil {
			return nil, malformed(DhcpEntryFile, key, err)
		}
		if err := entry.Validate(); err != nil {
			return nil, malformed(DhcpEntryFile, key, err)
		}
		entry.ID = key
		entries = append(entries, entry)
	}

	return entries, nil
}
