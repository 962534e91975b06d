package redundancy

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/sashakarcz/vrconf/internal/databag"
	"github.com/sashakarcz/vrconf/internal/fileeditor"
	"github.com/sashakarcz/vrconf/internal/shell"
)

const (
	keepalivedService = "keepalived"
	conntrackdService = "conntrackd"

	keepalivedTemplate = "keepalived.conf.templ"
	conntrackdTemplate = "conntrackd.conf.templ"

	cronPath = "PATH=/usr/local/sbin:/usr/local/bin:/sbin:/bin:/usr/sbin:/usr/bin"
)

// ScriptTemplates are copied into the router directory without their
// .templ suffix. keepalived calls them on state transitions.
var ScriptTemplates = []string{
	"heartbeat.sh.templ",
	"check_heartbeat.sh.templ",
	"arping_gateways.sh.templ",
	"master.sh.templ",
	"backup.sh.templ",
	"fault.sh.templ",
}

// Executor is the subset of shell operations the controller needs
type Executor interface {
	Mkdir(path string) error
	RemoveAll(path string) error
	Remove(path string) error
	MountTmpfs(path string) error
	UnmountTmpfs(path string) error
	CopyIfAbsent(src, dest string) (bool, error)
	AddLineIfMissing(path, line string) (bool, error)
	IsRunning(ctx context.Context, name string) (bool, error)
	Service(ctx context.Context, name, op string) error
}

// Paths are the files and directories the controller manages
type Paths struct {
	Ramdisk       string
	RouterDir     string
	TemplatesDir  string
	Keepalived    string
	Conntrackd    string
	HeartbeatCron string
}

// Options hold the fixed VRRP and sync settings. Priority applies when the
// router config carries no usable one.
type Options struct {
	Priority         int
	Weight           int
	MulticastAddress string
	MulticastGroup   int
	SocketBuffer     int
}

// Result describes what one pass did
type Result struct {
	Enabled bool
	Changed []string
	Removed []string
	Actions []shell.ServiceAction
}

// Controller materializes or tears down the VRRP setup of a redundant router
type Controller struct {
	fs    afero.Fs
	exec  Executor
	log   zerolog.Logger
	paths Paths
	opts  Options
}

// New creates a new redundancy controller
func New(fs afero.Fs, exec Executor, paths Paths, opts Options, log zerolog.Logger) *Controller {
	return &Controller{
		fs:    fs,
		exec:  exec,
		log:   log.With().Str("component", "redundancy").Logger(),
		paths: paths,
		opts:  opts,
	}
}

// Reconcile switches redundancy on or off according to the router config.
// Nothing is remembered between runs.
func (c *Controller) Reconcile(ctx context.Context, bag *databag.Bag) (*Result, error) {
	if bag.Router.IsRedundant() {
		return c.On(ctx, bag)
	}
	return c.Off(ctx)
}

// Off stops the daemons and removes everything On created. Failures are
// logged and skipped, and calling it on a router that is already off does
// nothing.
func (c *Controller) Off(ctx context.Context) (*Result, error) {
	result := &Result{}

	for _, svc := range []string{conntrackdService, keepalivedService} {
		running, err := c.exec.IsRunning(ctx, svc)
		if err != nil {
			c.log.Warn().Err(err).Str("service", svc).Msg("Could not check service state")
			continue
		}
		if !running {
			continue
		}
		if err := c.exec.Service(ctx, svc, "stop"); err != nil {
			c.log.Warn().Err(err).Str("service", svc).Msg("Failed to stop service")
			continue
		}
		result.Actions = append(result.Actions, shell.ServiceAction{Service: svc, Action: shell.ActionStop})
	}

	if err := c.exec.UnmountTmpfs(c.paths.Ramdisk); err != nil {
		c.log.Warn().Err(err).Str("path", c.paths.Ramdisk).Msg("Failed to unmount ramdisk")
	}
	if err := c.exec.RemoveAll(c.paths.Ramdisk); err != nil {
		c.log.Warn().Err(err).Str("path", c.paths.Ramdisk).Msg("Failed to remove ramdisk")
	}

	for _, path := range []string{c.paths.Conntrackd, c.paths.Keepalived, c.paths.HeartbeatCron} {
		exists, _ := afero.Exists(c.fs, path)
		if !exists {
			continue
		}
		if err := c.exec.Remove(path); err != nil {
			c.log.Warn().Err(err).Str("file", path).Msg("Failed to remove file")
			continue
		}
		result.Removed = append(result.Removed, path)
	}

	if len(result.Actions) > 0 || len(result.Removed) > 0 {
		c.log.Info().Strs("removed", result.Removed).Msg("Redundancy disabled")
	}
	return result, nil
}

// On provisions the ramdisk, scripts, keepalived, conntrackd and the
// heartbeat cron job. Without a guest address there is nothing to
// advertise and the router is treated as standalone.
func (c *Controller) On(ctx context.Context, bag *databag.Bag) (*Result, error) {
	guest, err := bag.Addresses.Guest()
	if err != nil {
		c.log.Warn().Msg("Redundant router without guest address, disabling redundancy")
		return c.Off(ctx)
	}

	control, err := bag.Addresses.Control()
	if err != nil {
		return nil, fmt.Errorf("failed to find control address for conntrackd: %w", err)
	}

	result := &Result{Enabled: true}

	// Ramdisk and router directory
	if err := c.exec.Mkdir(c.paths.Ramdisk); err != nil {
		return nil, err
	}
	if err := c.exec.MountTmpfs(c.paths.Ramdisk); err != nil {
		return nil, err
	}
	if err := c.exec.Mkdir(c.paths.RouterDir); err != nil {
		return nil, err
	}

	// Seed scripts and configs without clobbering local changes
	if err := c.seedTemplates(); err != nil {
		return nil, err
	}

	// keepalived.conf
	keepalived, err := c.configureKeepalived(bag, guest)
	if err != nil {
		return nil, err
	}
	keepalivedChanged, err := keepalived.Commit()
	if err != nil {
		return nil, err
	}

	// conntrackd.conf
	conntrackd, err := c.configureConntrackd(control)
	if err != nil {
		return nil, err
	}
	conntrackdChanged, err := conntrackd.Commit()
	if err != nil {
		return nil, err
	}

	// Heartbeat cron job
	cron, err := fileeditor.Open(c.fs, c.paths.HeartbeatCron, c.log)
	if err != nil {
		return nil, err
	}
	cron.Add("SHELL=/bin/bash", 0)
	cron.Add(cronPath, 1)
	headerChanged, err := cron.Commit()
	if err != nil {
		return nil, err
	}
	jobAdded, err := c.exec.AddLineIfMissing(c.paths.HeartbeatCron,
		fmt.Sprintf("*/1 * * * * root $SHELL %s/check_heartbeat.sh 2>&1 > /dev/null", c.paths.RouterDir))
	if err != nil {
		return nil, err
	}
	cronChanged := headerChanged || jobAdded

	for path, changed := range map[string]bool{
		c.paths.Keepalived:    keepalivedChanged,
		c.paths.Conntrackd:    conntrackdChanged,
		c.paths.HeartbeatCron: cronChanged,
	} {
		if changed {
			result.Changed = append(result.Changed, path)
		}
	}
	sort.Strings(result.Changed)

	// Restart daemons whose configuration moved
	if conntrackdChanged {
		if err := c.exec.Service(ctx, conntrackdService, "restart"); err != nil {
			return result, fmt.Errorf("failed to restart conntrackd: %w", err)
		}
		result.Actions = append(result.Actions, shell.ServiceAction{Service: conntrackdService, Action: shell.ActionRestart})
	}

	running, err := c.exec.IsRunning(ctx, keepalivedService)
	if err != nil {
		return result, err
	}
	if !running || keepalivedChanged || conntrackdChanged {
		if err := c.exec.Service(ctx, keepalivedService, "restart"); err != nil {
			return result, fmt.Errorf("failed to restart keepalived: %w", err)
		}
		result.Actions = append(result.Actions, shell.ServiceAction{Service: keepalivedService, Action: shell.ActionRestart})
	}

	c.log.Info().
		Strs("changed", result.Changed).
		Int("vips", len(bag.Addresses.Vrrp())).
		Msg("Redundancy configured")

	return result, nil
}

func (c *Controller) seedTemplates() error {
	for _, tmpl := range ScriptTemplates {
		src := filepath.Join(c.paths.TemplatesDir, tmpl)
		dest := filepath.Join(c.paths.RouterDir, strings.TrimSuffix(tmpl, ".templ"))
		if _, err := c.exec.CopyIfAbsent(src, dest); err != nil {
			return err
		}
	}

	if _, err := c.exec.CopyIfAbsent(filepath.Join(c.paths.TemplatesDir, keepalivedTemplate), c.paths.Keepalived); err != nil {
		return err
	}
	if _, err := c.exec.CopyIfAbsent(filepath.Join(c.paths.TemplatesDir, conntrackdTemplate), c.paths.Conntrackd); err != nil {
		return err
	}
	return nil
}

func (c *Controller) configureKeepalived(bag *databag.Bag, guest databag.Address) (*fileeditor.File, error) {
	f, err := fileeditor.Open(c.fs, c.paths.Keepalived, c.log)
	if err != nil {
		return nil, err
	}

	router := bag.Router
	f.Search(" router_id ", fmt.Sprintf("    router_id %s", router.Name))
	f.Search(" interface ", fmt.Sprintf("    interface %s", guest.Device))
	f.Search(" priority ", fmt.Sprintf("    priority %d", c.priority(router)))
	f.Search(" weight ", fmt.Sprintf("    weight %d", c.opts.Weight))
	f.Search(" virtual_router_id ", fmt.Sprintf("    virtual_router_id %d", router.RouterID))
	f.Replace("[RROUTER_BIN_PATH]", c.paths.RouterDir)

	if router.Password != "" {
		f.Section("authentication {", "}", []string{
			"        auth_type AH",
			"        auth_pass " + router.Password,
		})
	}

	if !f.Section("virtual_ipaddress {", "}", VirtualIPs(bag.Addresses)) {
		return nil, fmt.Errorf("%s has no virtual_ipaddress block", c.paths.Keepalived)
	}

	return f, nil
}

// priority returns the VRRP priority from the router config, or the
// configured default when it is missing or outside keepalived's 1..254
func (c *Controller) priority(router databag.RouterConfig) int {
	if p := int(router.Priority); p >= 1 && p <= 254 {
		return p
	}
	c.log.Warn().
		Int("router_pr", int(router.Priority)).
		Int("priority", c.opts.Priority).
		Msg("Router priority unusable, using default")
	return c.opts.Priority
}

func (c *Controller) configureConntrackd(control databag.Address) (*fileeditor.File, error) {
	f, err := fileeditor.Open(c.fs, c.paths.Conntrackd, c.log)
	if err != nil {
		return nil, err
	}

	multicast := []string{
		"IPv4_address " + c.opts.MulticastAddress,
		fmt.Sprintf("Group %d", c.opts.MulticastGroup),
		"IPv4_interface " + control.PublicIP,
		"Interface " + control.Device,
		fmt.Sprintf("SndSocketBuffer %d", c.opts.SocketBuffer),
		fmt.Sprintf("RcvSocketBuffer %d", c.opts.SocketBuffer),
		"Checksum on",
	}
	if !f.Section("Multicast {", "}", multicast) {
		return nil, fmt.Errorf("%s has no Multicast block", c.paths.Conntrackd)
	}

	if !f.Section("Address Ignore {", "}", IgnoreList(control)) {
		return nil, fmt.Errorf("%s has no Address Ignore block", c.paths.Conntrackd)
	}

	return f, nil
}

// VirtualIPs renders the keepalived VIP block: one line per address that
// needs VRRP advertisement
func VirtualIPs(addrs databag.Addresses) []string {
	var lines []string
	for _, a := range addrs.Vrrp() {
		lines = append(lines, fmt.Sprintf("        %s brd %s dev %s", a.VipCIDR(), a.Broadcast, a.Device))
	}
	return lines
}

// IgnoreList renders the conntrackd addresses that are never synchronized:
// loopback and the node's own control address
func IgnoreList(control databag.Address) []string {
	return []string{
		"\t\t\tIPv4_address 127.0.0.1",
		"\t\t\tIPv4_address " + control.PublicIP,
	}
}
