package databag

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Router types as sent by the orchestrator
const (
	TypeRouter    = "router"
	TypeVpcRouter = "vpcrouter"
	TypeDhcpSrvr  = "dhcpsrvr"
)

// RouterConfig is the router wide configuration from cmdline.json
type RouterConfig struct {
	Type           string `json:"type"`
	Name           string `json:"name"`
	Redundant      Bool   `json:"redundant_router"`
	RedundantState string `json:"redundant_state"`
	Priority       Int    `json:"router_pr"`
	RouterID       Int    `json:"router_id"`
	Domain         string `json:"domain"`
	DNS1           string `json:"dns1"`
	DNS2           string `json:"dns2"`
	Password       string `json:"router_password"`
}

// IsRedundant reports whether the router is part of a VRRP pair
func (r RouterConfig) IsRedundant() bool {
	return bool(r.Redundant)
}

// IsMaster reports whether this redundant router currently holds the VIPs.
// A standalone router is never master.
func (r RouterConfig) IsMaster() bool {
	return r.IsRedundant() && strings.EqualFold(r.RedundantState, "MASTER")
}

// IsVpc reports whether the router is a VPC tier router
func (r RouterConfig) IsVpc() bool {
	return r.Type == TypeVpcRouter
}

// IsGuestRouter reports whether the router fronts a guest network and so
// also answers for the metadata server
func (r RouterConfig) IsGuestRouter() bool {
	return r.Type == TypeRouter
}

// DNS returns the configured resolvers, skipping empty ones
func (r RouterConfig) DNS() []string {
	var out []string
	for _, s := range []string{r.DNS1, r.DNS2} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RouterConfig decodes cmdline.json. The settings live under "cmd_line";
// a flat document is accepted as well.
func (l *Loader) RouterConfig() (RouterConfig, error) {
	var cfg RouterConfig

	obj, err := l.readObject(CmdLineFile)
	if err != nil || obj == nil {
		return cfg, err
	}

	if inner, ok := obj["cmd_line"]; ok {
		if err := json.Unmarshal(inner, &cfg); err != nil {
			return cfg, malformed(CmdLineFile, "cmd_line", err)
		}
		return cfg, cfg.validate()
	}

	flat, err := json.Marshal(obj)
	if err != nil {
		return cfg, malformed(CmdLineFile, "", err)
	}
	if err := json.Unmarshal(flat, &cfg); err != nil {
		return cfg, malformed(CmdLineFile, "", err)
	}
	return cfg, cfg.validate()
}

// validate checks the VRRP identity of a redundant router. keepalived
// refuses a virtual_router_id outside 1..255.
func (r RouterConfig) validate() error {
	if !r.IsRedundant() {
		return nil
	}
	if r.RouterID < 1 || r.RouterID > 255 {
		return malformed(CmdLineFile, "router_id", fmt.Errorf("virtual router id %d out of range 1..255", r.RouterID))
	}
	return nil
}
