package dnsmasq

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/sashakarcz/vrconf/internal/databag"
	"github.com/sashakarcz/vrconf/internal/fileeditor"
	"github.com/sashakarcz/vrconf/internal/shell"
)

// ServiceName is the daemon managed by this package
const ServiceName = "dnsmasq"

// Executor is the subset of shell operations the reconciler needs
type Executor interface {
	Hostname() (string, error)
	HupOrStart(ctx context.Context, name, owner string) (string, error)
	IsRunning(ctx context.Context, name string) (bool, error)
	Service(ctx context.Context, name, op string) error
}

// Paths are the files the reconciler owns
type Paths struct {
	Hosts     string
	DhcpHosts string
	DhcpOpts  string
	CloudConf string
	Leases    string
}

// Options tune lease jitter and restart behavior
type Options struct {
	User                string
	LeaseMin            int
	LeaseMax            int
	RestartOnConfChange bool
	DefaultDomain       string
}

// Result describes what one reconciliation changed
type Result struct {
	Changed    []string
	Actions    []shell.ServiceAction
	Interfaces []shell.Interface
	Entries    int
	Unmatched  []string
}

// Reconciler converges the dnsmasq host, lease and option files towards
// the data bag
type Reconciler struct {
	fs    afero.Fs
	exec  Executor
	log   zerolog.Logger
	paths Paths
	opts  Options
	rand  *rand.Rand
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithRand sets the source of lease jitter
func WithRand(r *rand.Rand) Option {
	return func(rc *Reconciler) { rc.rand = r }
}

// New creates a new dnsmasq reconciler
func New(fs afero.Fs, exec Executor, paths Paths, opts Options, log zerolog.Logger, options ...Option) *Reconciler {
	r := &Reconciler{
		fs:    fs,
		exec:  exec,
		log:   log.With().Str("component", "dnsmasq").Logger(),
		paths: paths,
		opts:  opts,
	}
	for _, o := range options {
		o(r)
	}
	if r.rand == nil {
		seed := uint64(time.Now().UnixNano())
		r.rand = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return r
}

// state is passed between the pipeline stages of one run
type state struct {
	bag        *databag.Bag
	ifaces     []shell.Interface
	rangeStart map[int]string
	hosts      *hostsMap
	dhcpHosts  *fileeditor.File
	dhcpOpts   *fileeditor.File
	cloud      *fileeditor.File
	leases     map[string]int
	unmatched  []string
}

// Reconcile runs Load, Preseed, Apply Entries, Commit and Restart for one
// data bag against the interfaces currently on the system
func (r *Reconciler) Reconcile(ctx context.Context, bag *databag.Bag, ifaces []shell.Interface) (*Result, error) {
	// Load current state
	st, err := r.load(bag, ifaces)
	if err != nil {
		return nil, err
	}

	// Preseed system host names
	r.preseed(st)

	// Apply entries and tag the devices they live on
	r.applyEntries(st)

	// Configure per device ranges and options
	r.configureServer(st)

	// Commit everything that changed
	changed, err := r.commit(st)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Changed:    changed.paths(),
		Interfaces: st.ifaces,
		Entries:    len(bag.Entries),
		Unmatched:  st.unmatched,
	}

	// Reload or start the daemon
	actions, err := r.restart(ctx, bag.Router, changed)
	result.Actions = actions
	if err != nil {
		return result, err
	}

	r.log.Info().
		Int("entries", result.Entries).
		Strs("changed", result.Changed).
		Int("actions", len(result.Actions)).
		Msg("Dnsmasq reconciliation completed")

	return result, nil
}

func (r *Reconciler) load(bag *databag.Bag, ifaces []shell.Interface) (*state, error) {
	st := &state{
		bag:        bag,
		ifaces:     make([]shell.Interface, len(ifaces)),
		rangeStart: make(map[int]string),
		hosts:      newHostsMap(),
	}
	copy(st.ifaces, ifaces)

	var err error
	if st.dhcpHosts, err = fileeditor.Open(r.fs, r.paths.DhcpHosts, r.log); err != nil {
		return nil, err
	}
	if st.dhcpOpts, err = fileeditor.Open(r.fs, r.paths.DhcpOpts, r.log); err != nil {
		return nil, err
	}
	if st.cloud, err = fileeditor.Open(r.fs, r.paths.CloudConf, r.log); err != nil {
		return nil, err
	}

	if !st.dhcpHosts.Exists() {
		r.log.Info().Str("file", r.paths.DhcpHosts).Msg("No previous DHCP hosts, drawing fresh leases")
	}
	st.leases = parseLeases(st.dhcpHosts.Original(), r.opts.LeaseMin, r.opts.LeaseMax)
	return st, nil
}

func (r *Reconciler) preseed(st *state) {
	hostname, err := r.exec.Hostname()
	if err != nil {
		r.log.Warn().Err(err).Msg("Could not read hostname, preseeding localhost only")
	}

	if hostname != "" {
		st.hosts.add("127.0.0.1", "localhost", hostname)
	} else {
		st.hosts.add("127.0.0.1", "localhost")
	}
	st.hosts.add("::1", "localhost", "ip6-localhost", "ip6-loopback")
	st.hosts.add("ff02::1", "ip6-allnodes")
	st.hosts.add("ff02::2", "ip6-allrouters")

	if !st.bag.Router.IsGuestRouter() || hostname == "" {
		return
	}

	guest, err := st.bag.Addresses.Guest()
	if err != nil {
		r.log.Debug().Err(err).Msg("No guest address, skipping data-server entry")
		return
	}
	st.hosts.add(guest.PublicIP, hostname, "data-server")
}

func (r *Reconciler) applyEntries(st *state) {
	// Both files are owned entirely by this reconciler and rebuilt every run
	st.dhcpHosts.Repopulate()
	st.dhcpOpts.Repopulate()

	for _, entry := range st.bag.Entries {
		st.hosts.add(entry.IPv4Address, entry.HostName)

		if entry.DefaultEntry {
			prefix := fmt.Sprintf("%s,%s,%s", entry.MACAddress, entry.IPv4Address, entry.HostName)
			st.dhcpHosts.AddIfMissing(fmt.Sprintf("%s,%dh", prefix, r.lease(st, prefix)))
		} else {
			tag := entry.Tag()
			prefix := fmt.Sprintf("%s,set:%s,%s,%s", entry.MACAddress, tag, entry.IPv4Address, entry.HostName)
			st.dhcpHosts.AddIfMissing(fmt.Sprintf("%s,%dh", prefix, r.lease(st, prefix)))

			// Empty values withhold router, DNS and domain from secondary NICs
			for _, code := range taggedOptions {
				st.dhcpOpts.AddIfMissing(optionLine(tag, code))
			}
			r.log.Debug().
				Str("tag", tag).
				Stringer("withheld", slices.Clone(taggedOptions)).
				Msg("Withholding options from secondary NIC")
		}

		r.tagDevice(st, entry)
	}
}

// lease returns the lease duration in hours for a dhcphosts line. Unchanged
// lines keep their previous duration so repeated runs do not rewrite them.
func (r *Reconciler) lease(st *state, prefix string) int {
	if n, ok := st.leases[prefix]; ok {
		return n
	}
	n := r.opts.LeaseMin + r.rand.IntN(r.opts.LeaseMax-r.opts.LeaseMin+1)
	st.leases[prefix] = n
	return n
}

// tagDevice marks the interface whose network strictly contains the entry
func (r *Reconciler) tagDevice(st *state, entry databag.DhcpEntry) {
	ip := entry.IP()
	for i := range st.ifaces {
		iface := &st.ifaces[i]
		if !strictlyContains(iface.Network, ip) {
			continue
		}

		iface.DnsmasqManaged = true
		if _, ok := st.rangeStart[i]; !ok {
			st.rangeStart[i] = entry.IPv4Address
		}
		if iface.Gateway == "" && entry.DefaultGateway != "" {
			iface.Gateway = entry.DefaultGateway
		}
		return
	}

	r.log.Warn().
		Str("ip", entry.IPv4Address).
		Str("host", entry.HostName).
		Msg("No interface covers DHCP entry, skipping device tagging")
	st.unmatched = append(st.unmatched, entry.IPv4Address)
}

func (r *Reconciler) commit(st *state) (changeSet, error) {
	changed := changeSet{}

	hosts, err := fileeditor.Open(r.fs, r.paths.Hosts, r.log)
	if err != nil {
		return nil, err
	}
	hosts.Repopulate()
	for _, line := range st.hosts.lines() {
		hosts.AddIfMissing(line)
	}

	for _, f := range []*fileeditor.File{hosts, st.dhcpHosts, st.dhcpOpts, st.cloud} {
		wrote, err := f.Commit()
		if err != nil {
			return changed, err
		}
		if wrote {
			changed[f.Path()] = true
			r.log.Debug().Str("file", f.Path()).Int("edits", len(f.Changes())).Msg("Committed file")
		}
	}

	if changed[r.paths.DhcpHosts] {
		if err := r.truncateLeases(); err != nil {
			return changed, err
		}
	}

	return changed, nil
}

// truncateLeases empties the lease database so dnsmasq rebuilds it from the
// new host bindings
func (r *Reconciler) truncateLeases() error {
	exists, err := afero.Exists(r.fs, r.paths.Leases)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", r.paths.Leases, err)
	}
	if !exists {
		return nil
	}

	f, err := r.fs.OpenFile(r.paths.Leases, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("failed to truncate %s: %w", r.paths.Leases, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", r.paths.Leases, err)
	}

	r.log.Info().Str("file", r.paths.Leases).Msg("Truncated lease database")
	return nil
}

func (r *Reconciler) restart(ctx context.Context, router databag.RouterConfig, changed changeSet) ([]shell.ServiceAction, error) {
	// A backup router must not answer DHCP while the master does
	if router.IsRedundant() && !router.IsMaster() {
		r.log.Info().Str("state", router.RedundantState).Msg("Redundant router is not master, leaving dnsmasq alone")
		return nil, nil
	}

	if len(changed) == 0 {
		running, err := r.exec.IsRunning(ctx, ServiceName)
		if err != nil {
			return nil, err
		}
		if running {
			return nil, nil
		}
		if err := r.exec.Service(ctx, ServiceName, "start"); err != nil {
			return nil, fmt.Errorf("failed to start dnsmasq: %w", err)
		}
		return []shell.ServiceAction{{Service: ServiceName, Action: shell.ActionStart}}, nil
	}

	if r.opts.RestartOnConfChange && changed[r.paths.CloudConf] {
		if err := r.exec.Service(ctx, ServiceName, "restart"); err != nil {
			return nil, fmt.Errorf("failed to restart dnsmasq: %w", err)
		}
		return []shell.ServiceAction{{Service: ServiceName, Action: shell.ActionRestart}}, nil
	}

	action, err := r.exec.HupOrStart(ctx, ServiceName, r.opts.User)
	if err != nil {
		return nil, fmt.Errorf("failed to reload dnsmasq: %w", err)
	}
	return []shell.ServiceAction{{Service: ServiceName, Action: action}}, nil
}

// changeSet holds the paths committed during a run
type changeSet map[string]bool

func (c changeSet) paths() []string {
	out := make([]string, 0, len(c))
	for p := range c {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
